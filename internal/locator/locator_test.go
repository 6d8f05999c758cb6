// File: internal/locator/locator_test.go
package locator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sandbridge/api/schemas"
	"github.com/xkilldash9x/sandbridge/internal/config"
	"github.com/xkilldash9x/sandbridge/internal/layout"
	"github.com/xkilldash9x/sandbridge/internal/sandbox"
	"github.com/xkilldash9x/sandbridge/internal/vision"
)

var testFrame = layout.FrameSize{Width: 1280, Height: 800}

// scriptedCommander routes each command name to a scripted handler and
// records every call.
type scriptedCommander struct {
	handlers map[string]func(args map[string]interface{}) (*sandbox.CommandResult, error)
	calls    []string
}

func (s *scriptedCommander) Do(ctx context.Context, command string, args map[string]interface{}) (*sandbox.CommandResult, error) {
	s.calls = append(s.calls, command)
	if h, ok := s.handlers[command]; ok {
		return h(args)
	}
	return nil, &sandbox.CommandError{Command: command, Message: "unsupported"}
}

func (s *scriptedCommander) RotateCredential(ctx context.Context) (string, error) {
	return "rotated", nil
}

func (s *scriptedCommander) countOf(command string) int {
	n := 0
	for _, c := range s.calls {
		if c == command {
			n++
		}
	}
	return n
}

// recordingVision answers every lookup with a fixed result and records the
// queries it saw.
type recordingVision struct {
	point   schemas.Point
	found   bool
	err     error
	queries []string
}

func (v *recordingVision) LocateInImage(ctx context.Context, image []byte, query string, frame layout.FrameSize) (schemas.Point, bool, error) {
	v.queries = append(v.queries, query)
	return v.point, v.found, v.err
}

func signInTree() *sandbox.CommandResult {
	tree := map[string]interface{}{
		"role": "window",
		"children": []interface{}{
			map[string]interface{}{
				"role":   "button",
				"title":  "Sign In",
				"bounds": map[string]interface{}{"x": 100.0, "y": 40.0, "width": 80.0, "height": 40.0},
			},
			map[string]interface{}{
				"role":   "text",
				"title":  "Please sign in to continue",
				"bounds": map[string]interface{}{"x": 0.0, "y": 200.0, "width": 600.0, "height": 30.0},
			},
		},
	}
	raw, _ := json.Marshal(tree)
	return &sandbox.CommandResult{JSON: raw}
}

func newTestLocator(cmd sandbox.Commander, vis *recordingVision) (*Locator, *[]time.Duration, *time.Time) {
	var sleeps []time.Duration
	now := time.Unix(1_700_000_000, 0)

	var visIface vision.Locator
	if vis != nil {
		visIface = vis
	}

	l := New(cmd, visIface, config.VisionConfig{
		MaxCallsPerWindow: 3,
		Window:            10 * time.Second,
		ScreenshotTTL:     2 * time.Second,
	}, testFrame, zap.NewNop())
	l.now = func() time.Time { return now }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return l, &sleeps, &now
}

func TestLocate_DirectFind(t *testing.T) {
	cmd := &scriptedCommander{handlers: map[string]func(map[string]interface{}) (*sandbox.CommandResult, error){
		"find_element": func(args map[string]interface{}) (*sandbox.CommandResult, error) {
			if args["query"] == "Sign In" {
				return &sandbox.CommandResult{JSON: json.RawMessage(`{"x": 140, "y": 60}`)}, nil
			}
			return nil, &sandbox.CommandError{Command: "find_element", Message: "no match"}
		},
	}}
	l, _, _ := newTestLocator(cmd, nil)

	el, err := l.Locate(context.Background(), "text=Sign In")
	require.NoError(t, err)
	assert.Equal(t, schemas.Point{X: 140, Y: 60}, el.Coords)
	assert.Equal(t, "Sign In", el.MatchedQuery)
	assert.Zero(t, cmd.countOf("accessibility_tree"), "direct success must stop the fallback chain")
}

func TestLocate_DirectAcceptsCenterShape(t *testing.T) {
	cmd := &scriptedCommander{handlers: map[string]func(map[string]interface{}) (*sandbox.CommandResult, error){
		"find_element": func(args map[string]interface{}) (*sandbox.CommandResult, error) {
			return &sandbox.CommandResult{JSON: json.RawMessage(`{"center": {"x": 25, "y": 35}}`)}, nil
		},
	}}
	l, _, _ := newTestLocator(cmd, nil)

	el, err := l.Locate(context.Background(), "text=OK")
	require.NoError(t, err)
	assert.Equal(t, schemas.Point{X: 25, Y: 35}, el.Coords)
}

func TestLocate_TreeFallbackBeatsVision(t *testing.T) {
	cmd := &scriptedCommander{handlers: map[string]func(map[string]interface{}) (*sandbox.CommandResult, error){
		"accessibility_tree": func(map[string]interface{}) (*sandbox.CommandResult, error) {
			return signInTree(), nil
		},
	}}
	vis := &recordingVision{point: schemas.Point{X: 1, Y: 1}, found: true}
	l, sleeps, _ := newTestLocator(cmd, vis)

	el, err := l.Locate(context.Background(), "text=Sign In")
	require.NoError(t, err)
	assert.Equal(t, schemas.Point{X: 140, Y: 60}, el.Coords)
	assert.Empty(t, vis.queries, "vision must not run when the tree has a match")

	// The direct strategy burned its full retry schedule first.
	assert.Equal(t, []time.Duration{0, 500 * time.Millisecond, 1200 * time.Millisecond}, *sleeps)
}

func TestLocate_TreePrefersInteractiveExactMatch(t *testing.T) {
	// Both the button and the larger text node contain "sign in"; the exact,
	// interactive, smaller button must win.
	cmd := &scriptedCommander{handlers: map[string]func(map[string]interface{}) (*sandbox.CommandResult, error){
		"accessibility_tree": func(map[string]interface{}) (*sandbox.CommandResult, error) {
			return signInTree(), nil
		},
	}}
	l, _, _ := newTestLocator(cmd, nil)

	el, err := l.Locate(context.Background(), "text=Sign In")
	require.NoError(t, err)
	assert.Equal(t, schemas.Point{X: 140, Y: 60}, el.Coords)
}

func TestLocate_VisionFallback(t *testing.T) {
	cmd := &scriptedCommander{handlers: map[string]func(map[string]interface{}) (*sandbox.CommandResult, error){
		"screenshot": func(map[string]interface{}) (*sandbox.CommandResult, error) {
			return &sandbox.CommandResult{Image: []byte("png-bytes")}, nil
		},
	}}
	vis := &recordingVision{point: schemas.Point{X: 321, Y: 123}, found: true}
	l, _, _ := newTestLocator(cmd, vis)

	el, err := l.Locate(context.Background(), "the red banner")
	require.NoError(t, err)
	assert.Equal(t, schemas.Point{X: 321, Y: 123}, el.Coords)
	require.Len(t, vis.queries, 1)
	assert.Equal(t, "the red banner", vis.queries[0], "vision gets the richest candidate only")
}

func TestLocate_VisionRateLimit(t *testing.T) {
	cmd := &scriptedCommander{handlers: map[string]func(map[string]interface{}) (*sandbox.CommandResult, error){
		"screenshot": func(map[string]interface{}) (*sandbox.CommandResult, error) {
			return &sandbox.CommandResult{Image: []byte("png")}, nil
		},
	}}
	vis := &recordingVision{found: false}
	l, _, now := newTestLocator(cmd, vis)

	// Four lookups inside one window: the fourth must skip vision entirely.
	for i := 0; i < 4; i++ {
		*now = now.Add(1 * time.Second)
		_, err := l.Locate(context.Background(), fmt.Sprintf("ghost element %d", i))
		require.Error(t, err)
	}
	assert.Len(t, vis.queries, 3, "the sliding window allows exactly three calls")

	var nfe *NotFoundError
	_, err := l.Locate(context.Background(), "ghost element 5")
	require.ErrorAs(t, err, &nfe)
	assert.Contains(t, nfe.Trail, "vision fallback rate limited")

	// Once the window slides past the early calls, vision is allowed again.
	*now = now.Add(11 * time.Second)
	_, err = l.Locate(context.Background(), "ghost element 6")
	require.Error(t, err)
	assert.Len(t, vis.queries, 4)
}

func TestLocate_ScreenshotCache(t *testing.T) {
	cmd := &scriptedCommander{handlers: map[string]func(map[string]interface{}) (*sandbox.CommandResult, error){
		"screenshot": func(map[string]interface{}) (*sandbox.CommandResult, error) {
			return &sandbox.CommandResult{Image: []byte("png")}, nil
		},
	}}
	vis := &recordingVision{found: false}
	l, _, now := newTestLocator(cmd, vis)

	_, _ = l.Locate(context.Background(), "first")
	*now = now.Add(1 * time.Second)
	_, _ = l.Locate(context.Background(), "second")
	assert.Equal(t, 1, cmd.countOf("screenshot"), "a frame within the TTL is reused")

	t.Run("vision failure invalidates the cached frame", func(t *testing.T) {
		vis.err = fmt.Errorf("model unavailable")
		*now = now.Add(500 * time.Millisecond)
		_, _ = l.Locate(context.Background(), "third")
		vis.err = nil
		*now = now.Add(12 * time.Second) // reopen the rate limit window
		_, _ = l.Locate(context.Background(), "fourth")
		assert.Equal(t, 2, cmd.countOf("screenshot"), "the failed frame must be recaptured")
	})
}

func TestLocate_NotFound(t *testing.T) {
	cmd := &scriptedCommander{}
	l, _, _ := newTestLocator(cmd, nil)

	_, err := l.Locate(context.Background(), "completely unknowable widget thing")
	var nfe *NotFoundError
	require.ErrorAs(t, err, &nfe)
	assert.Contains(t, nfe.Trail, "direct find command failed")
	assert.Contains(t, nfe.Trail, "no accessibility-tree match")
	assert.Contains(t, nfe.Trail, "vision fallback not configured")
}

func TestNotFoundError_CapsQueryList(t *testing.T) {
	err := &NotFoundError{Queries: []string{"a1", "b2", "c3", "d4", "e5", "f6"}}
	msg := err.Error()
	assert.Contains(t, msg, `"a1"`)
	assert.Contains(t, msg, `"d4"`)
	assert.NotContains(t, msg, `"e5"`)
	assert.Contains(t, msg, "(+2 more)")
}

func TestReserveVisionCall_WindowPruning(t *testing.T) {
	l, _, now := newTestLocator(&scriptedCommander{}, nil)

	for i := 0; i < 3; i++ {
		assert.True(t, l.reserveVisionCall())
	}
	assert.False(t, l.reserveVisionCall(), "fourth call inside the window is denied")

	l.releaseVisionCall()
	assert.True(t, l.reserveVisionCall(), "a released reservation frees its slot")
	assert.False(t, l.reserveVisionCall())

	*now = now.Add(11 * time.Second)
	assert.True(t, l.reserveVisionCall(), "expired timestamps are pruned")
}

func TestLocate_FailedCaptureDoesNotBurnRateLimit(t *testing.T) {
	captureWorks := false
	cmd := &scriptedCommander{handlers: map[string]func(map[string]interface{}) (*sandbox.CommandResult, error){
		"screenshot": func(map[string]interface{}) (*sandbox.CommandResult, error) {
			if !captureWorks {
				return nil, &sandbox.CommandError{Command: "screenshot", Message: "display not ready"}
			}
			return &sandbox.CommandResult{Image: []byte("png")}, nil
		},
	}}
	vis := &recordingVision{found: false}
	l, _, now := newTestLocator(cmd, vis)

	var nfe *NotFoundError
	_, err := l.Locate(context.Background(), "ghost element")
	require.ErrorAs(t, err, &nfe)
	assert.Contains(t, nfe.Trail, "screenshot unavailable")
	assert.Empty(t, vis.queries, "no frame means no model call")

	// The failed capture made no model call, so all three windowed slots
	// must still be available.
	captureWorks = true
	for i := 0; i < 3; i++ {
		*now = now.Add(1 * time.Second)
		_, err := l.Locate(context.Background(), fmt.Sprintf("ghost element %d", i))
		require.Error(t, err)
	}
	assert.Len(t, vis.queries, 3)
}

// syncCommander is a concurrency-safe commander for tests that share one
// locator across goroutines, the way the bridge's namespace fan-out does.
type syncCommander struct {
	mu          sync.Mutex
	screenshots int
}

func (s *syncCommander) Do(ctx context.Context, command string, args map[string]interface{}) (*sandbox.CommandResult, error) {
	if command == "screenshot" {
		s.mu.Lock()
		s.screenshots++
		s.mu.Unlock()
		return &sandbox.CommandResult{Image: []byte("png")}, nil
	}
	return nil, &sandbox.CommandError{Command: command, Message: "unsupported"}
}

func (s *syncCommander) RotateCredential(ctx context.Context) (string, error) {
	return "rotated", nil
}

type syncVision struct {
	mu    sync.Mutex
	calls int
}

func (v *syncVision) LocateInImage(ctx context.Context, image []byte, query string, frame layout.FrameSize) (schemas.Point, bool, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	return schemas.Point{}, false, nil
}

func TestLocate_ConcurrentLookupsRespectRateLimit(t *testing.T) {
	cmd := &syncCommander{}
	vis := &syncVision{}
	l := New(cmd, vis, config.VisionConfig{
		MaxCallsPerWindow: 3,
		Window:            10 * time.Second,
		ScreenshotTTL:     2 * time.Second,
	}, testFrame, zap.NewNop())
	l.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Locate(context.Background(), fmt.Sprintf("ghost element %d", i))
			assert.Error(t, err)
		}()
	}
	wg.Wait()

	vis.mu.Lock()
	defer vis.mu.Unlock()
	assert.LessOrEqual(t, vis.calls, 3, "concurrent lookups must still honor the window")
	assert.Positive(t, vis.calls)

	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	assert.LessOrEqual(t, cmd.screenshots, vis.calls, "each model call reuses or takes one frame")
}
