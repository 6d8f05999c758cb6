// File: api/schemas/takeover.go
package schemas

import "time"

// TakeoverStatus reports whether a takeover token still maps to a live entry.
type TakeoverStatus string

const (
	TakeoverActive  TakeoverStatus = "active"
	TakeoverExpired TakeoverStatus = "expired"
)

// TakeoverView is the read-only projection of a pending takeover exposed to
// the web surface. It is a copy; mutating it never touches registry state.
type TakeoverView struct {
	Status            TakeoverStatus `json:"status"`
	RequestID         string         `json:"requestId"`
	Namespace         string         `json:"namespace"`
	Message           string         `json:"message,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	LiveViewURL       string         `json:"liveViewUrl,omitempty"`
	SandboxCredential string         `json:"sandboxCredential,omitempty"`
}
