// File: internal/locator/locator.go

// Package locator resolves a human-readable element description to on-screen
// pixel coordinates. Four strategies run in order, each strictly cheaper than
// the next: the sandbox's native find command with retries, accessibility-tree
// matching, and finally a rate-limited vision-model lookup.
package locator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sandbridge/api/schemas"
	"github.com/xkilldash9x/sandbridge/internal/axtree"
	"github.com/xkilldash9x/sandbridge/internal/config"
	"github.com/xkilldash9x/sandbridge/internal/layout"
	"github.com/xkilldash9x/sandbridge/internal/sandbox"
	"github.com/xkilldash9x/sandbridge/internal/vision"
)

// Command aliases for the sandbox primitives this package drives. Backends
// disagree on names, so each primitive is an ordered alias list.
var (
	FindElementCommands = []string{"find_element", "query_element", "locate_element"}
	TreeCommands        = []string{"accessibility_tree", "get_tree", "dump_tree"}
	ScreenshotCommands  = []string{"screenshot", "capture_screen", "grab_frame"}
)

// directRetryDelays is the backoff schedule for the native find command.
var directRetryDelays = []time.Duration{0, 500 * time.Millisecond, 1200 * time.Millisecond}

// directRoles are the role qualifiers tried alongside each unqualified query.
var directRoles = []string{"button", "link", "textbox"}

// maxQueriesInError caps how many attempted queries a not-found error names.
const maxQueriesInError = 4

// NotFoundError reports that every strategy failed, carrying the attempted
// queries and a debug trail so the calling agent can self-correct.
type NotFoundError struct {
	Queries []string
	Trail   []string
}

func (e *NotFoundError) Error() string {
	shown := e.Queries
	suffix := ""
	if len(shown) > maxQueriesInError {
		suffix = fmt.Sprintf(" (+%d more)", len(shown)-maxQueriesInError)
		shown = shown[:maxQueriesInError]
	}
	quoted := make([]string, len(shown))
	for i, q := range shown {
		quoted[i] = fmt.Sprintf("%q", q)
	}
	return fmt.Sprintf("element not found; tried queries: %s%s", strings.Join(quoted, ", "), suffix)
}

// Locator implements the four-strategy element lookup.
type Locator struct {
	sandbox sandbox.Commander
	vision  vision.Locator // nil when no vision API key is configured
	frame   layout.FrameSize
	log     *zap.Logger

	// The bridge fans namespaces out concurrently over one shared locator,
	// so the rate-limit window and the screenshot cache are guarded by mu.
	mu sync.Mutex

	// Sliding-window vision rate limit: at most visionMax calls in any
	// trailing visionWindow.
	visionCalls  []time.Time
	visionMax    int
	visionWindow time.Duration

	// Short-TTL screenshot identity cache shared across strategies.
	shot    []byte
	shotAt  time.Time
	shotTTL time.Duration

	// Injected for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a locator. vis may be nil, which disables the vision fallback.
func New(cmd sandbox.Commander, vis vision.Locator, cfg config.VisionConfig, frame layout.FrameSize, logger *zap.Logger) *Locator {
	maxCalls := cfg.MaxCallsPerWindow
	if maxCalls <= 0 {
		maxCalls = 3
	}
	window := cfg.Window
	if window <= 0 {
		window = 10 * time.Second
	}
	ttl := cfg.ScreenshotTTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Locator{
		sandbox:      cmd,
		vision:       vis,
		frame:        frame,
		log:          logger.Named("locator"),
		visionMax:    maxCalls,
		visionWindow: window,
		shotTTL:      ttl,
		now:          time.Now,
		sleep:        sleepCtx,
	}
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

// Locate resolves a selector or description to pixel coordinates. A nil
// error guarantees coordinates within frame bounds; failure returns a
// *NotFoundError naming the attempted queries.
func (l *Locator) Locate(ctx context.Context, selectorOrDescription string) (schemas.LocatedElement, error) {
	queries := ExpandQueries(selectorOrDescription)
	if len(queries) == 0 {
		return schemas.LocatedElement{}, &NotFoundError{
			Queries: []string{selectorOrDescription},
			Trail:   []string{"query expansion produced no candidates"},
		}
	}
	var trail []string

	// Strategy 1: the sandbox's native find command, with retries.
	if el, ok := l.locateDirect(ctx, queries); ok {
		return el, nil
	}
	trail = append(trail, "direct find command failed")

	if err := ctx.Err(); err != nil {
		return schemas.LocatedElement{}, err
	}

	// Strategy 2: accessibility-tree matching.
	if el, ok := l.locateInTree(ctx, queries); ok {
		return el, nil
	}
	trail = append(trail, "no accessibility-tree match")

	if err := ctx.Err(); err != nil {
		return schemas.LocatedElement{}, err
	}

	// Strategy 3: vision model, gated and rate limited.
	el, ok, note := l.locateWithVision(ctx, queries)
	if ok {
		return el, nil
	}
	trail = append(trail, note)

	l.log.Debug("Element not found after all strategies",
		zap.String("input", selectorOrDescription),
		zap.Strings("queries", queries),
		zap.Strings("trail", trail))
	return schemas.LocatedElement{}, &NotFoundError{Queries: queries, Trail: trail}
}

// -- Strategy 1: direct find command --

func (l *Locator) locateDirect(ctx context.Context, queries []string) (schemas.LocatedElement, bool) {
	for round, delay := range directRetryDelays {
		if err := l.sleep(ctx, delay); err != nil {
			return schemas.LocatedElement{}, false
		}
		for _, q := range queries {
			variants := []map[string]interface{}{{"query": q}}
			for _, role := range directRoles {
				variants = append(variants, map[string]interface{}{"query": q, "role": role})
			}
			for _, args := range variants {
				res, _, err := sandbox.TryEach(ctx, l.sandbox, FindElementCommands, args)
				if err != nil {
					continue
				}
				if p, ok := centerFromResult(res); ok {
					l.log.Debug("Element found via direct command",
						zap.String("query", q), zap.Int("round", round))
					return schemas.LocatedElement{
						Coords:       layout.ClampPoint(p, l.frame),
						MatchedQuery: q,
					}, true
				}
			}
		}
	}
	return schemas.LocatedElement{}, false
}

// centerFromResult accepts the response shapes a find command may produce:
// {"x":..,"y":..} or {"center":{"x":..,"y":..}}. Only numeric coordinates
// count; anything else is a miss.
func centerFromResult(res *sandbox.CommandResult) (schemas.Point, bool) {
	if res == nil || len(res.JSON) == 0 {
		return schemas.Point{}, false
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(res.JSON, &payload); err != nil {
		return schemas.Point{}, false
	}
	if center, ok := payload["center"].(map[string]interface{}); ok {
		payload = center
	}
	x, okX := numeric(payload["x"])
	y, okY := numeric(payload["y"])
	if !okX || !okY {
		return schemas.Point{}, false
	}
	return schemas.Point{X: int(x), Y: int(y)}, true
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// -- Strategy 2: accessibility-tree matching --

// treeCandidate is a scored node during tree matching.
type treeCandidate struct {
	rect        schemas.PixelRect
	query       string
	score       int // 2 exact, 1 substring
	interactive bool
}

func (l *Locator) locateInTree(ctx context.Context, queries []string) (schemas.LocatedElement, bool) {
	root, err := l.fetchTree(ctx)
	if err != nil {
		l.log.Debug("Accessibility tree unavailable", zap.Error(err))
		return schemas.LocatedElement{}, false
	}

	var candidates []treeCandidate
	for _, node := range axtree.Flatten(root, 0) {
		raw, ok := node.RawBounds()
		if !ok {
			continue
		}
		rect, ok := layout.ResolveBounds(raw, l.frame)
		if !ok {
			continue
		}
		label, ok := node.Label()
		if !ok {
			continue
		}
		normLabel := axtree.NormalizeLabel(label)

		for _, q := range queries {
			normQuery := axtree.NormalizeLabel(q)
			score := 0
			switch {
			case normLabel == normQuery:
				score = 2
			case strings.Contains(normLabel, normQuery):
				score = 1
			default:
				continue
			}
			candidates = append(candidates, treeCandidate{
				rect:        rect,
				query:       q,
				score:       score,
				interactive: node.Interactive(),
			})
		}
	}
	if len(candidates) == 0 {
		return schemas.LocatedElement{}, false
	}

	// Exact beats substring, interactive beats decorative, and the smaller
	// box wins so the most specific element is preferred.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.interactive != b.interactive {
			return a.interactive
		}
		return a.rect.Area() < b.rect.Area()
	})

	best := candidates[0]
	return schemas.LocatedElement{
		Coords:       best.rect.Center(),
		MatchedQuery: best.query,
	}, true
}

// fetchTree pulls the accessibility tree once per lookup.
func (l *Locator) fetchTree(ctx context.Context) (axtree.Node, error) {
	res, _, err := sandbox.TryEach(ctx, l.sandbox, TreeCommands, nil)
	if err != nil {
		return nil, err
	}
	var root map[string]interface{}
	if err := res.Decode(&root); err != nil {
		return nil, fmt.Errorf("unparseable accessibility tree: %w", err)
	}
	return axtree.Node(root), nil
}

// -- Strategy 3: vision fallback --

func (l *Locator) locateWithVision(ctx context.Context, queries []string) (schemas.LocatedElement, bool, string) {
	if l.vision == nil {
		return schemas.LocatedElement{}, false, "vision fallback not configured"
	}
	if !l.reserveVisionCall() {
		return schemas.LocatedElement{}, false, "vision fallback rate limited"
	}

	frame, err := l.currentScreenshot(ctx)
	if err != nil {
		// A capture that never produced a frame made no model call, so it
		// must not burn a rate-limit slot.
		l.releaseVisionCall()
		return schemas.LocatedElement{}, false, fmt.Sprintf("screenshot unavailable: %v", err)
	}

	// The first candidate is the richest description; the others are
	// fragments that would only confuse the model.
	query := queries[0]
	p, found, err := l.vision.LocateInImage(ctx, frame, query, l.frame)
	if err != nil {
		// Do not reuse a frame that just failed a lookup.
		l.invalidateScreenshot()
		return schemas.LocatedElement{}, false, fmt.Sprintf("vision lookup failed: %v", err)
	}
	if !found {
		return schemas.LocatedElement{}, false, "vision model reported not found"
	}
	return schemas.LocatedElement{Coords: p, MatchedQuery: query}, true, ""
}

// reserveVisionCall takes a slot in the sliding-window rate limit. A
// reservation that does not end in a model call must be released.
func (l *Locator) reserveVisionCall() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-l.visionWindow)
	kept := l.visionCalls[:0]
	for _, t := range l.visionCalls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.visionCalls = kept
	if len(l.visionCalls) >= l.visionMax {
		return false
	}
	l.visionCalls = append(l.visionCalls, now)
	return true
}

// releaseVisionCall hands back the most recent reservation.
func (l *Locator) releaseVisionCall() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.visionCalls); n > 0 {
		l.visionCalls = l.visionCalls[:n-1]
	}
}

// currentScreenshot returns a frame captured within the cache TTL, or
// captures a fresh one. The lock is held across the capture so concurrent
// callers share one frame instead of racing the sandbox for several.
func (l *Locator) currentScreenshot(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shot != nil && l.now().Sub(l.shotAt) < l.shotTTL {
		return l.shot, nil
	}
	res, _, err := sandbox.TryEach(ctx, l.sandbox, ScreenshotCommands, nil)
	if err != nil {
		return nil, err
	}
	img := res.Image
	if img == nil {
		// Some backends wrap the frame in JSON as base64; the router's
		// screenshot handler deals with that shape, here raw bytes suffice.
		return nil, fmt.Errorf("screenshot command returned no image bytes")
	}
	l.shot = img
	l.shotAt = l.now()
	return img, nil
}

func (l *Locator) invalidateScreenshot() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shot = nil
	l.shotAt = time.Time{}
}
