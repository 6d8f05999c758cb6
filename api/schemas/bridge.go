// File: api/schemas/bridge.go
package schemas

// ActionName identifies an automation action requested by the worker.
type ActionName string

const (
	ActionNavigate    ActionName = "navigate"
	ActionClick       ActionName = "click"
	ActionClickXY     ActionName = "click_xy"
	ActionTypeAtXY    ActionName = "type_at_xy"
	ActionFill        ActionName = "fill"
	ActionScroll      ActionName = "scroll"
	ActionScreenshot  ActionName = "screenshot"
	ActionGoBack      ActionName = "go_back"
	ActionClose       ActionName = "close"
	ActionPerform     ActionName = "perform"
	ActionExtractFile ActionName = "extract_file"
	ActionUploadFile  ActionName = "upload_file"
	ActionWaitForUser ActionName = "wait_for_user"
)

// KnownActions enumerates every action the bridge will dispatch. Anything
// else in a request file is rejected before it reaches a handler.
var KnownActions = map[ActionName]bool{
	ActionNavigate:    true,
	ActionClick:       true,
	ActionClickXY:     true,
	ActionTypeAtXY:    true,
	ActionFill:        true,
	ActionScroll:      true,
	ActionScreenshot:  true,
	ActionGoBack:      true,
	ActionClose:       true,
	ActionPerform:     true,
	ActionExtractFile: true,
	ActionUploadFile:  true,
	ActionWaitForUser: true,
}

// ActionRequest is written once by the worker as a request file and consumed
// exactly once by the host.
type ActionRequest struct {
	ID     string                 `json:"id"`
	Action ActionName             `json:"action"`
	Params map[string]interface{} `json:"params,omitempty"`

	// Namespace is derived by the host from the directory the request file
	// was found in. It is deliberately excluded from the payload: a value
	// inside an untrusted request body must never influence routing.
	Namespace string `json:"-"`

	// Raw holds the original request file bytes so that a request whose
	// handler fails mid-flight can still be quarantined for inspection.
	Raw []byte `json:"-"`
}

// ResponseStatus is the outcome marker of an ActionResponse.
type ResponseStatus string

const (
	StatusOK    ResponseStatus = "ok"
	StatusError ResponseStatus = "error"
)

// ActionResponse is written atomically by the host as a response file and
// deleted by the worker after reading.
type ActionResponse struct {
	Status   ResponseStatus      `json:"status"`
	Result   interface{}         `json:"result,omitempty"`
	Error    string              `json:"error,omitempty"`
	Analysis *ScreenshotAnalysis `json:"analysis,omitempty"`
}

// OKResponse builds a success response carrying a result payload.
func OKResponse(result interface{}) ActionResponse {
	return ActionResponse{Status: StatusOK, Result: result}
}

// ErrorResponse builds a failure response from an error message.
func ErrorResponse(msg string) ActionResponse {
	return ActionResponse{Status: StatusError, Error: msg}
}

// Point is a pixel coordinate in frame space.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// PixelRect is a resolved, clamped bounding box in frame space.
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the midpoint of the rectangle.
func (r PixelRect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Area returns the rectangle's area in square pixels.
func (r PixelRect) Area() int {
	return r.Width * r.Height
}

// LocatedElement is the product of a successful element lookup. It lives for
// a single action's lifetime and is never persisted.
type LocatedElement struct {
	Coords       Point  `json:"coords"`
	MatchedQuery string `json:"matchedQuery"`
}

// VerificationTier grades how confident the router is that an action took
// effect, based on before/after snapshot comparison.
type VerificationTier string

const (
	// TierVerified means the post-action snapshot differs, or typed text was
	// found verbatim in it.
	TierVerified VerificationTier = "verified"
	// TierPartial means the snapshot changed but a typed value was not found.
	TierPartial VerificationTier = "partially verified"
	// TierNotConfirmed means no detectable change, or no snapshot available.
	TierNotConfirmed VerificationTier = "not confirmed"
)

// ActionResult is the result payload for single-coordinate actions.
type ActionResult struct {
	Action       ActionName       `json:"action"`
	Coords       *Point           `json:"coords,omitempty"`
	MatchedQuery string           `json:"matchedQuery,omitempty"`
	Verification VerificationTier `json:"verification"`
	Detail       string           `json:"detail,omitempty"`
}

// PerformStep is a single primitive inside a perform batch. Fields are
// optional; each step's action decides which ones it reads.
type PerformStep struct {
	Action   string `json:"action"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	X        *int   `json:"x,omitempty"`
	Y        *int   `json:"y,omitempty"`
	Amount   int    `json:"amount,omitempty"`
	WaitMs   int    `json:"waitMs,omitempty"`
}

// PerformResult summarizes a perform batch: one line per sub-step, with
// failed steps marked so a partially successful macro remains actionable.
type PerformResult struct {
	Steps        []string         `json:"steps"`
	Failed       int              `json:"failed"`
	Verification VerificationTier `json:"verification"`
}

// FileChunk is one bounded piece of a streamed file transfer. Data is
// base64-encoded; the chunk size is chosen so only the final chunk may carry
// padding.
type FileChunk struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Data   string `json:"data"`
	EOF    bool   `json:"eof"`
	Size   int64  `json:"size"`
}
