// File: internal/router/actions.go
package router

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sandbridge/api/schemas"
	"github.com/xkilldash9x/sandbridge/internal/annotator"
	"github.com/xkilldash9x/sandbridge/internal/axtree"
	"github.com/xkilldash9x/sandbridge/internal/locator"
	"github.com/xkilldash9x/sandbridge/internal/sandbox"
)

// handleNavigate opens a URL: first through the allow-listed open-URL
// command sequence, then by driving the address bar with keystrokes.
func (r *Router) handleNavigate(ctx context.Context, params map[string]interface{}) schemas.ActionResponse {
	target, ok := stringParam(params, "url")
	if !ok {
		return schemas.ErrorResponse("navigate requires a url parameter")
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return schemas.ErrorResponse(fmt.Sprintf("navigate rejects url %q: only http and https are allowed", target))
	}

	tier, err := r.withVerification(ctx, "", func(ctx context.Context) error {
		if _, _, err := sandbox.TryEach(ctx, r.sandbox, OpenURLCommands, map[string]interface{}{"url": target}); err == nil {
			return nil
		}
		// Keyboard fallback: focus the address bar, type the URL, submit.
		r.log.Debug("Open-URL commands failed, falling back to keyboard navigation", zap.String("url", target))
		if err := r.pressKey(ctx, "ctrl+l"); err != nil {
			return fmt.Errorf("address bar focus failed: %w", err)
		}
		if err := r.typeText(ctx, target); err != nil {
			return fmt.Errorf("address bar entry failed: %w", err)
		}
		return r.pressKey(ctx, "Return")
	})
	if err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("navigate to %q failed: %v", target, err))
	}
	return schemas.OKResponse(schemas.ActionResult{
		Action:       schemas.ActionNavigate,
		Verification: tier,
		Detail:       target,
	})
}

// handleClick locates an element by selector or description and clicks its
// center.
func (r *Router) handleClick(ctx context.Context, params map[string]interface{}) schemas.ActionResponse {
	selector, ok := stringParam(params, "selector")
	if !ok {
		return schemas.ErrorResponse("click requires a selector parameter")
	}
	located, err := r.locator.Locate(ctx, selector)
	if err != nil {
		return schemas.ErrorResponse(err.Error())
	}

	tier, err := r.withVerification(ctx, "", func(ctx context.Context) error {
		return r.clickAt(ctx, located.Coords)
	})
	if err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("click at (%d,%d) failed: %v", located.Coords.X, located.Coords.Y, err))
	}
	return schemas.OKResponse(schemas.ActionResult{
		Action:       schemas.ActionClick,
		Coords:       &located.Coords,
		MatchedQuery: located.MatchedQuery,
		Verification: tier,
	})
}

// handleClickXY clicks explicit coordinates.
func (r *Router) handleClickXY(ctx context.Context, params map[string]interface{}) schemas.ActionResponse {
	x, okX := intParam(params, "x")
	y, okY := intParam(params, "y")
	if !okX || !okY {
		return schemas.ErrorResponse("click_xy requires numeric x and y parameters")
	}
	p := schemas.Point{X: x, Y: y}

	tier, err := r.withVerification(ctx, "", func(ctx context.Context) error {
		return r.clickAt(ctx, p)
	})
	if err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("click_xy at (%d,%d) failed: %v", x, y, err))
	}
	return schemas.OKResponse(schemas.ActionResult{
		Action:       schemas.ActionClickXY,
		Coords:       &p,
		Verification: tier,
	})
}

// handleTypeAtXY clicks a coordinate to focus it, then types.
func (r *Router) handleTypeAtXY(ctx context.Context, params map[string]interface{}) schemas.ActionResponse {
	x, okX := intParam(params, "x")
	y, okY := intParam(params, "y")
	text, okT := stringParam(params, "text")
	if !okX || !okY || !okT {
		return schemas.ErrorResponse("type_at_xy requires numeric x, y and a text parameter")
	}
	p := schemas.Point{X: x, Y: y}

	tier, err := r.withVerification(ctx, text, func(ctx context.Context) error {
		if err := r.clickAt(ctx, p); err != nil {
			return err
		}
		return r.typeText(ctx, text)
	})
	if err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("type_at_xy failed: %v", err))
	}
	return schemas.OKResponse(schemas.ActionResult{
		Action:       schemas.ActionTypeAtXY,
		Coords:       &p,
		Verification: tier,
	})
}

// handleFill locates an input and types a value into it.
func (r *Router) handleFill(ctx context.Context, params map[string]interface{}) schemas.ActionResponse {
	selector, okS := stringParam(params, "selector")
	value, okV := stringParam(params, "value")
	if !okS || !okV {
		return schemas.ErrorResponse("fill requires selector and value parameters")
	}
	located, err := r.locator.Locate(ctx, selector)
	if err != nil {
		return schemas.ErrorResponse(err.Error())
	}

	tier, err := r.withVerification(ctx, value, func(ctx context.Context) error {
		if err := r.clickAt(ctx, located.Coords); err != nil {
			return err
		}
		return r.typeText(ctx, value)
	})
	if err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("fill failed: %v", err))
	}
	return schemas.OKResponse(schemas.ActionResult{
		Action:       schemas.ActionFill,
		Coords:       &located.Coords,
		MatchedQuery: located.MatchedQuery,
		Verification: tier,
	})
}

// handleScroll scrolls the viewport. direction defaults to down, amount to
// three notches.
func (r *Router) handleScroll(ctx context.Context, params map[string]interface{}) schemas.ActionResponse {
	direction, _ := stringParam(params, "direction")
	if direction == "" {
		direction = "down"
	}
	amount, ok := intParam(params, "amount")
	if !ok || amount <= 0 {
		amount = 3
	}

	tier, err := r.withVerification(ctx, "", func(ctx context.Context) error {
		_, _, err := sandbox.TryEach(ctx, r.sandbox, ScrollCommands, map[string]interface{}{
			"direction": direction,
			"amount":    amount,
		})
		return err
	})
	if err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("scroll %s failed: %v", direction, err))
	}
	return schemas.OKResponse(schemas.ActionResult{
		Action:       schemas.ActionScroll,
		Verification: tier,
		Detail:       fmt.Sprintf("%s x%d", direction, amount),
	})
}

// handleScreenshot captures the frame's accessibility tree and returns the
// grid-labeled analysis.
func (r *Router) handleScreenshot(ctx context.Context, params map[string]interface{}) schemas.ActionResponse {
	res, _, err := sandbox.TryEach(ctx, r.sandbox, locator.TreeCommands, nil)
	if err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("screenshot failed: accessibility tree unavailable: %v", err))
	}
	var root map[string]interface{}
	if err := res.Decode(&root); err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("screenshot failed: unparseable accessibility tree: %v", err))
	}

	analysis := annotator.Annotate(axtree.Node(root), r.frame, annotator.Options{})
	return schemas.ActionResponse{
		Status:   schemas.StatusOK,
		Result:   analysis.Summary,
		Analysis: analysis,
	}
}

// handleGoBack navigates browser history back one step.
func (r *Router) handleGoBack(ctx context.Context, params map[string]interface{}) schemas.ActionResponse {
	tier, err := r.withVerification(ctx, "", func(ctx context.Context) error {
		_, _, err := sandbox.TryEach(ctx, r.sandbox, GoBackCommands, nil)
		return err
	})
	if err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("go_back failed: %v", err))
	}
	return schemas.OKResponse(schemas.ActionResult{
		Action:       schemas.ActionGoBack,
		Verification: tier,
	})
}

// handleClose closes the active window.
func (r *Router) handleClose(ctx context.Context, params map[string]interface{}) schemas.ActionResponse {
	if _, _, err := sandbox.TryEach(ctx, r.sandbox, CloseCommands, nil); err != nil {
		return schemas.ErrorResponse(fmt.Sprintf("close failed: %v", err))
	}
	return schemas.OKResponse(schemas.ActionResult{
		Action:       schemas.ActionClose,
		Verification: schemas.TierNotConfirmed,
	})
}

// handlePerform runs a bounded batch of primitive sub-steps sequentially,
// continuing past individual failures so a partially successful macro still
// returns actionable results, then verifies the whole batch once.
func (r *Router) handlePerform(ctx context.Context, params map[string]interface{}) schemas.ActionResponse {
	steps, err := decodeSteps(params)
	if err != nil {
		return schemas.ErrorResponse(err.Error())
	}
	if len(steps) == 0 {
		return schemas.ErrorResponse("perform requires at least one step")
	}
	if len(steps) > maxPerformSteps {
		return schemas.ErrorResponse(fmt.Sprintf("perform accepts at most %d steps, got %d", maxPerformSteps, len(steps)))
	}

	before := r.snapshot(ctx)

	result := schemas.PerformResult{Steps: make([]string, 0, len(steps))}
	var lastTyped string
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			result.Steps = append(result.Steps, fmt.Sprintf("step %d (%s): FAILED: %v", i+1, step.Action, err))
			result.Failed++
			break
		}
		typed, err := r.performStep(ctx, step)
		if err != nil {
			result.Steps = append(result.Steps, fmt.Sprintf("step %d (%s): FAILED: %v", i+1, step.Action, err))
			result.Failed++
			continue
		}
		if typed != "" {
			lastTyped = typed
		}
		result.Steps = append(result.Steps, fmt.Sprintf("step %d (%s): ok", i+1, step.Action))
	}

	if err := r.sleep(ctx, r.settle); err == nil {
		after := r.snapshot(ctx)
		result.Verification = verifyChange(before, after, lastTyped)
	} else {
		result.Verification = schemas.TierNotConfirmed
	}

	return schemas.OKResponse(result)
}

// decodeSteps re-decodes the loose params["steps"] value into typed steps.
func decodeSteps(params map[string]interface{}) ([]schemas.PerformStep, error) {
	raw, ok := params["steps"]
	if !ok {
		return nil, fmt.Errorf("perform requires a steps parameter")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("perform steps are not encodable: %w", err)
	}
	var steps []schemas.PerformStep
	if err := json.Unmarshal(encoded, &steps); err != nil {
		return nil, fmt.Errorf("perform steps are malformed: %w", err)
	}
	return steps, nil
}

// performStep executes one sub-step and returns any text it typed, which
// feeds the batch's final verification.
func (r *Router) performStep(ctx context.Context, step schemas.PerformStep) (string, error) {
	switch strings.ToLower(step.Action) {
	case "click":
		if step.Selector != "" {
			located, err := r.locator.Locate(ctx, step.Selector)
			if err != nil {
				return "", err
			}
			return "", r.clickAt(ctx, located.Coords)
		}
		if step.X != nil && step.Y != nil {
			return "", r.clickAt(ctx, schemas.Point{X: *step.X, Y: *step.Y})
		}
		return "", fmt.Errorf("click step needs a selector or x/y")
	case "type":
		if step.Text == "" {
			return "", fmt.Errorf("type step needs text")
		}
		return step.Text, r.typeText(ctx, step.Text)
	case "fill":
		if step.Selector == "" || step.Text == "" {
			return "", fmt.Errorf("fill step needs selector and text")
		}
		located, err := r.locator.Locate(ctx, step.Selector)
		if err != nil {
			return "", err
		}
		if err := r.clickAt(ctx, located.Coords); err != nil {
			return "", err
		}
		return step.Text, r.typeText(ctx, step.Text)
	case "press_key":
		if step.Text == "" {
			return "", fmt.Errorf("press_key step needs text naming the key")
		}
		return "", r.pressKey(ctx, step.Text)
	case "navigate":
		if step.URL == "" {
			return "", fmt.Errorf("navigate step needs a url")
		}
		_, _, err := sandbox.TryEach(ctx, r.sandbox, OpenURLCommands, map[string]interface{}{"url": step.URL})
		return "", err
	case "scroll":
		amount := step.Amount
		if amount <= 0 {
			amount = 3
		}
		_, _, err := sandbox.TryEach(ctx, r.sandbox, ScrollCommands, map[string]interface{}{
			"direction": "down",
			"amount":    amount,
		})
		return "", err
	case "wait":
		if step.WaitMs <= 0 {
			return "", fmt.Errorf("wait step needs a positive waitMs")
		}
		return "", r.sleep(ctx, time.Duration(step.WaitMs)*time.Millisecond)
	default:
		return "", fmt.Errorf("unknown step action %q", step.Action)
	}
}
