// File: internal/takeover/registry.go

// Package takeover tracks pending human-handoff requests: automation pauses,
// a person takes the sandbox over through a tokenized live-view URL (or a
// chat command), and resolution hands control back to the blocked worker.
package takeover

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sandbridge/api/schemas"
	"github.com/xkilldash9x/sandbridge/internal/config"
	"github.com/xkilldash9x/sandbridge/internal/sandbox"
)

// rotateTimeout bounds a background credential rotation so a hung sandbox
// manager cannot leak goroutines.
const rotateTimeout = 15 * time.Second

// ErrNotFound is returned when resolution targets a token or request id with
// no live entry, including the second of two resolutions of the same entry.
var ErrNotFound = fmt.Errorf("no pending takeover found")

// Resolution is delivered exactly once on an entry's done channel when a
// human hands control back.
type Resolution struct {
	Token      string
	RequestID  string
	ResolvedAt time.Time
}

// entry is one pending takeover. Exactly one live entry exists per request
// id; token is generated at creation and never changes.
type entry struct {
	requestID  string
	namespace  string
	token      string
	createdAt  time.Time
	message    string
	credential string
	done       chan Resolution
}

// Registry is the in-memory state machine of pending takeovers. All state
// transitions happen under one mutex; the byToken index and the byRequest map
// are always updated together.
type Registry struct {
	mu        sync.Mutex
	byRequest map[string]*entry // requestID -> entry
	byToken   map[string]string // token -> requestID

	sandbox sandbox.Commander
	cfg     config.TakeoverConfig
	log     *zap.Logger

	// Injected for tests.
	now      func() time.Time
	newToken func() string
}

// NewRegistry builds an empty registry.
func NewRegistry(cmd sandbox.Commander, cfg config.TakeoverConfig, logger *zap.Logger) *Registry {
	return &Registry{
		byRequest: make(map[string]*entry),
		byToken:   make(map[string]string),
		sandbox:   cmd,
		cfg:       cfg,
		log:       logger.Named("takeover"),
		now:       time.Now,
		newToken:  uuid.NewString,
	}
}

// Ensure creates the pending takeover for a request id, or updates the
// message of the existing one. The returned token is stable across repeated
// calls with the same id, and the done channel fires exactly once when a
// human resolves the takeover. Creation kicks off a background credential
// rotation so the worker's old sandbox session cannot interfere while a
// person is at the controls.
func (r *Registry) Ensure(requestID, namespace, message string) (token string, done <-chan Resolution) {
	r.mu.Lock()
	if e, ok := r.byRequest[requestID]; ok {
		if message != "" {
			e.message = message
		}
		token, done = e.token, e.done
		r.mu.Unlock()
		return token, done
	}

	e := &entry{
		requestID: requestID,
		namespace: namespace,
		token:     r.newToken(),
		createdAt: r.now(),
		message:   message,
		done:      make(chan Resolution, 1),
	}
	r.byRequest[requestID] = e
	r.byToken[e.token] = requestID
	token, done = e.token, e.done
	r.mu.Unlock()

	r.log.Info("Takeover requested",
		zap.String("request_id", requestID),
		zap.String("namespace", namespace))
	go r.rotateCredential(requestID, "takeover start")
	return token, done
}

// rotateCredential asks the sandbox manager for a fresh credential and, when
// the entry is still live, records it for the live-view surface. Rotation
// failure is logged and swallowed: a stale credential is a smaller risk than
// blocking the takeover flow.
func (r *Registry) rotateCredential(requestID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), rotateTimeout)
	defer cancel()

	cred, err := r.sandbox.RotateCredential(ctx)
	if err != nil {
		r.log.Warn("Sandbox credential rotation failed",
			zap.String("request_id", requestID),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}

	r.mu.Lock()
	if e, ok := r.byRequest[requestID]; ok {
		e.credential = cred
	}
	r.mu.Unlock()
	r.log.Debug("Sandbox credential rotated",
		zap.String("request_id", requestID),
		zap.String("reason", reason))
}

// ResolveByToken hands control back via the web surface. The second
// resolution of the same entry, by either path, reports ErrNotFound.
func (r *Registry) ResolveByToken(token string) error {
	r.mu.Lock()
	requestID, ok := r.byToken[token]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	e := r.byRequest[requestID]
	r.remove(e)
	r.mu.Unlock()

	r.finish(e)
	return nil
}

// ResolveByRequestID hands control back via chat. An empty requestID targets
// the namespace's oldest pending entry, so a bare "continue" does the
// obvious thing.
func (r *Registry) ResolveByRequestID(namespace, requestID string) error {
	r.mu.Lock()
	var e *entry
	if requestID != "" {
		candidate, ok := r.byRequest[requestID]
		if !ok || candidate.namespace != namespace {
			r.mu.Unlock()
			return ErrNotFound
		}
		e = candidate
	} else {
		e = r.oldestLocked(namespace)
		if e == nil {
			r.mu.Unlock()
			return ErrNotFound
		}
	}
	r.remove(e)
	r.mu.Unlock()

	r.finish(e)
	return nil
}

// remove deletes both index entries together. Caller holds the mutex.
func (r *Registry) remove(e *entry) {
	delete(r.byRequest, e.requestID)
	delete(r.byToken, e.token)
}

// oldestLocked returns the namespace's oldest pending entry. Caller holds
// the mutex.
func (r *Registry) oldestLocked(namespace string) *entry {
	var candidates []*entry
	for _, e := range r.byRequest {
		if e.namespace == namespace {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].createdAt.Before(candidates[j].createdAt)
	})
	return candidates[0]
}

// finish fires the done channel and rotates the credential so the session
// the human just used is invalidated.
func (r *Registry) finish(e *entry) {
	r.log.Info("Takeover resolved",
		zap.String("request_id", e.requestID),
		zap.String("namespace", e.namespace))
	e.done <- Resolution{
		Token:      e.token,
		RequestID:  e.requestID,
		ResolvedAt: r.now(),
	}
	close(e.done)
	go r.rotateCredential(e.requestID, "takeover end")
}

// View projects a token into the read-only shape the web surface renders.
// Unknown tokens come back expired rather than erroring, so the UI can show
// a clean "this takeover has ended" page.
func (r *Registry) View(token string) schemas.TakeoverView {
	r.mu.Lock()
	requestID, ok := r.byToken[token]
	if !ok {
		r.mu.Unlock()
		return schemas.TakeoverView{Status: schemas.TakeoverExpired}
	}
	e := r.byRequest[requestID]
	view := schemas.TakeoverView{
		Status:            schemas.TakeoverActive,
		RequestID:         e.requestID,
		Namespace:         e.namespace,
		Message:           e.message,
		CreatedAt:         e.createdAt,
		SandboxCredential: e.credential,
	}
	r.mu.Unlock()

	if url, err := r.LiveViewURL(token); err == nil {
		view.LiveViewURL = url
	}
	return view
}

// Pending reports how many takeovers are live in a namespace.
func (r *Registry) Pending(namespace string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.byRequest {
		if e.namespace == namespace {
			n++
		}
	}
	return n
}

// -- Live-view URL signing --

// LiveViewURL mints a signed, short-lived URL for the takeover web UI. The
// embedded claim binds the URL to one registry token.
func (r *Registry) LiveViewURL(token string) (string, error) {
	if r.cfg.LiveViewBase == "" || r.cfg.SigningSecret == "" {
		return "", fmt.Errorf("live view is not configured")
	}
	now := r.now()
	claims := jwt.MapClaims{
		"sub": token,
		"iat": now.Unix(),
		"exp": now.Add(r.cfg.LiveViewTokenTTL).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(r.cfg.SigningSecret))
	if err != nil {
		return "", fmt.Errorf("signing live view token: %w", err)
	}
	return fmt.Sprintf("%s/takeover/%s?t=%s", strings.TrimRight(r.cfg.LiveViewBase, "/"), token, signed), nil
}

// VerifyLiveViewToken checks a signed URL token and returns the registry
// token it is bound to.
func (r *Registry) VerifyLiveViewToken(signed string) (string, error) {
	parsed, err := jwt.Parse(signed, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(r.cfg.SigningSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid live view token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid live view token: missing claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("invalid live view token: missing subject")
	}
	return sub, nil
}

// -- Chat fallback --

var continuePattern = regexp.MustCompile(`(?i)^\s*continue(?:\s+(\S+))?\s*$`)

// ParseContinue recognizes the chat-side escape hatch: "continue" resolves
// the oldest pending takeover, "continue <requestId>" a specific one.
func ParseContinue(text string) (requestID string, ok bool) {
	m := continuePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}
