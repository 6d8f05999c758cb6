// File: internal/router/router.go

// Package router dispatches named automation actions to their handlers. It is
// the sole caller of the sandbox command surface for user-visible actions,
// and it grades every single-coordinate action with a before/after snapshot
// comparison.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sandbridge/api/schemas"
	"github.com/xkilldash9x/sandbridge/internal/config"
	"github.com/xkilldash9x/sandbridge/internal/layout"
	"github.com/xkilldash9x/sandbridge/internal/locator"
	"github.com/xkilldash9x/sandbridge/internal/sandbox"
)

// Primitive command aliases: sandbox backends disagree on command names, so
// each primitive is tried through an ordered alias list.
var (
	ClickCommands  = []string{"click", "mouse_click", "tap"}
	TypeCommands   = []string{"type_text", "type", "send_keys"}
	KeyCommands    = []string{"press_key", "key", "send_key"}
	ScrollCommands = []string{"scroll", "mouse_scroll", "wheel"}
	// OpenURLCommands is the allow-listed sequence navigate tries before
	// falling back to keyboard-driven address-bar entry.
	OpenURLCommands = []string{"open_url", "navigate", "browse_to"}
	GoBackCommands  = []string{"go_back", "back", "history_back"}
	CloseCommands   = []string{"close_window", "close", "quit_app"}
)

// maxPerformSteps bounds a perform batch.
const maxPerformSteps = 50

// ElementResolver is the locator capability the router depends on.
type ElementResolver interface {
	Locate(ctx context.Context, selectorOrDescription string) (schemas.LocatedElement, error)
}

type handlerFunc func(ctx context.Context, params map[string]interface{}) schemas.ActionResponse

// Router is the flat dispatch table of action handlers.
type Router struct {
	sandbox  sandbox.Commander
	locator  ElementResolver
	frame    layout.FrameSize
	settle   time.Duration
	transfer config.TransferConfig
	log      *zap.Logger
	handlers map[schemas.ActionName]handlerFunc

	// Injected for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds the router and its dispatch table.
func New(cmd sandbox.Commander, resolver ElementResolver, frame layout.FrameSize, settle time.Duration, transfer config.TransferConfig, logger *zap.Logger) *Router {
	if settle <= 0 {
		settle = 250 * time.Millisecond
	}
	r := &Router{
		sandbox:  cmd,
		locator:  resolver,
		frame:    frame,
		settle:   settle,
		transfer: transfer,
		log:      logger.Named("router"),
		sleep:    sleepCtx,
	}
	r.handlers = map[schemas.ActionName]handlerFunc{
		schemas.ActionNavigate:    r.handleNavigate,
		schemas.ActionClick:       r.handleClick,
		schemas.ActionClickXY:     r.handleClickXY,
		schemas.ActionTypeAtXY:    r.handleTypeAtXY,
		schemas.ActionFill:        r.handleFill,
		schemas.ActionScroll:      r.handleScroll,
		schemas.ActionScreenshot:  r.handleScreenshot,
		schemas.ActionGoBack:      r.handleGoBack,
		schemas.ActionClose:       r.handleClose,
		schemas.ActionPerform:     r.handlePerform,
		schemas.ActionExtractFile: r.handleExtractFile,
		schemas.ActionUploadFile:  r.handleUploadFile,
	}
	return r
}

// Dispatch routes a request to its handler. Handler errors come back as
// error-status responses. Panics deliberately propagate: the bridge owns the
// recover so it can quarantine the original request file alongside writing
// the error response.
func (r *Router) Dispatch(ctx context.Context, req schemas.ActionRequest) schemas.ActionResponse {
	handler, ok := r.handlers[req.Action]
	if !ok {
		return schemas.ErrorResponse(fmt.Sprintf("unknown action %q", req.Action))
	}
	return handler(ctx, req.Params)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -- Snapshot-based verification --

// snapshot serializes the current accessibility tree for change detection.
// An empty string means no snapshot was available.
func (r *Router) snapshot(ctx context.Context) string {
	res, _, err := sandbox.TryEach(ctx, r.sandbox, locator.TreeCommands, nil)
	if err != nil || res == nil || len(res.JSON) == 0 {
		return ""
	}
	// Normalize through a decode/encode round with sorted keys so ordering
	// cannot fake a diff between otherwise identical trees.
	var tree interface{}
	if err := json.Unmarshal(res.JSON, &tree); err != nil {
		return string(res.JSON)
	}
	normalized, err := canonicalJSON.Marshal(tree)
	if err != nil {
		return string(res.JSON)
	}
	return string(normalized)
}

// canonicalJSON sorts map keys, which snapshot comparison depends on.
var canonicalJSON = json.ConfigCompatibleWithStandardLibrary

// jsonEscape renders s the way it appears inside a serialized snapshot, so
// that typed text containing quotes or escaped characters still matches.
func jsonEscape(s string) string {
	b, err := canonicalJSON.Marshal(s)
	if err != nil || len(b) < 2 {
		return s
	}
	return string(b[1 : len(b)-1])
}

// verifyChange grades an action by comparing snapshots. typed, when
// non-empty, is the text the action entered; finding it in the post-action
// snapshot is the strongest confirmation.
func verifyChange(before, after, typed string) schemas.VerificationTier {
	if before == "" || after == "" {
		return schemas.TierNotConfirmed
	}
	if typed != "" {
		if strings.Contains(after, jsonEscape(typed)) {
			return schemas.TierVerified
		}
		if after != before {
			return schemas.TierPartial
		}
		return schemas.TierNotConfirmed
	}
	if after != before {
		return schemas.TierVerified
	}
	return schemas.TierNotConfirmed
}

// withVerification runs the single-coordinate action template: pre-snapshot,
// primitive, settle delay, post-snapshot, grade.
func (r *Router) withVerification(ctx context.Context, typed string, primitive func(ctx context.Context) error) (schemas.VerificationTier, error) {
	before := r.snapshot(ctx)
	if err := primitive(ctx); err != nil {
		return schemas.TierNotConfirmed, err
	}
	if err := r.sleep(ctx, r.settle); err != nil {
		return schemas.TierNotConfirmed, err
	}
	after := r.snapshot(ctx)
	return verifyChange(before, after, typed), nil
}

// -- Shared primitives --

// clickAt issues a click at clamped frame coordinates.
func (r *Router) clickAt(ctx context.Context, p schemas.Point) error {
	p = layout.ClampPoint(p, r.frame)
	_, _, err := sandbox.TryEach(ctx, r.sandbox, ClickCommands, map[string]interface{}{
		"x": p.X, "y": p.Y,
	})
	return err
}

// typeText issues keystrokes for a text value.
func (r *Router) typeText(ctx context.Context, text string) error {
	_, _, err := sandbox.TryEach(ctx, r.sandbox, TypeCommands, map[string]interface{}{
		"text": text,
	})
	return err
}

// pressKey issues a single named key (e.g. "Return", "ctrl+l").
func (r *Router) pressKey(ctx context.Context, key string) error {
	_, _, err := sandbox.TryEach(ctx, r.sandbox, KeyCommands, map[string]interface{}{
		"key": key,
	})
	return err
}

// -- Param helpers --

func stringParam(params map[string]interface{}, key string) (string, bool) {
	if params == nil {
		return "", false
	}
	s, ok := params[key].(string)
	return s, ok && s != ""
}

func intParam(params map[string]interface{}, key string) (int, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
