// File: internal/annotator/annotator_test.go
package annotator_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/sandbridge/api/schemas"
	"github.com/xkilldash9x/sandbridge/internal/annotator"
	"github.com/xkilldash9x/sandbridge/internal/axtree"
	"github.com/xkilldash9x/sandbridge/internal/layout"
)

var frame = layout.FrameSize{Width: 1200, Height: 800}

func box(x, y, w, h float64) map[string]interface{} {
	return map[string]interface{}{"x": x, "y": y, "width": w, "height": h}
}

func TestAnnotate_Basic(t *testing.T) {
	tree := axtree.Node{
		"role":   "window",
		"bounds": box(0, 0, 1200, 800),
		"children": []interface{}{
			map[string]interface{}{
				"role": "button", "title": "Sign In",
				"bounds": box(200, 300, 100, 100),
			},
			map[string]interface{}{
				"role": "text", "title": "Welcome back",
				"bounds": box(100, 100, 200, 40),
			},
		},
	}

	analysis := annotator.Annotate(tree, frame, annotator.Options{})
	require.NotNil(t, analysis)

	assert.Equal(t, schemas.GridSpec{Rows: 8, Cols: 12, Width: 1200, Height: 800}, analysis.Grid)
	require.Equal(t, 2, analysis.ElementCount)
	assert.False(t, analysis.Truncated)

	// Interactive nodes come first, ids are 1-based.
	first := analysis.Elements[0]
	assert.Equal(t, 1, first.ID)
	assert.Equal(t, "Sign In", first.Label)
	assert.True(t, first.Interactive)
	assert.Equal(t, schemas.Point{X: 250, Y: 350}, first.Center)
	assert.Equal(t, "C4", first.Cell)

	second := analysis.Elements[1]
	assert.Equal(t, 2, second.ID)
	assert.Equal(t, "Welcome back", second.Label)
	assert.False(t, second.Interactive)

	assert.Contains(t, analysis.Summary, "2 elements (1 interactive)")
	assert.Contains(t, analysis.Summary, `[1] C4 "Sign In" (button)`)
}

func TestAnnotate_SkipsLargeContainers(t *testing.T) {
	// A labeled wrapper covering over 85% of the frame with children is
	// structure, not an element.
	tree := axtree.Node{
		"role": "group", "title": "Main content",
		"bounds": box(0, 0, 1150, 780),
		"children": []interface{}{
			map[string]interface{}{
				"role": "button", "title": "OK",
				"bounds": box(10, 10, 50, 30),
			},
		},
	}

	analysis := annotator.Annotate(tree, frame, annotator.Options{})
	require.Equal(t, 1, analysis.ElementCount)
	assert.Equal(t, "OK", analysis.Elements[0].Label)
}

func TestAnnotate_KeepsLargeLeaf(t *testing.T) {
	// A childless node may legitimately cover the whole frame (a canvas, a
	// fullscreen video) and stays listed.
	tree := axtree.Node{
		"role": "image", "title": "Hero image",
		"bounds": box(0, 0, 1150, 780),
	}
	analysis := annotator.Annotate(tree, frame, annotator.Options{})
	require.Equal(t, 1, analysis.ElementCount)
}

func TestAnnotate_DeduplicatesRepeatedNodes(t *testing.T) {
	// Backends often report the same widget at several tree levels; same
	// center plus same normalized label collapses to one entry.
	tree := axtree.Node{
		"role": "window",
		"children": []interface{}{
			map[string]interface{}{
				"role": "group", "title": "Sign  In",
				"bounds": box(200, 300, 100, 100),
				"children": []interface{}{
					map[string]interface{}{
						"role": "button", "title": "sign in",
						"bounds": box(200, 300, 100, 100),
					},
				},
			},
		},
	}

	analysis := annotator.Annotate(tree, frame, annotator.Options{})
	assert.Equal(t, 1, analysis.ElementCount)
}

func TestAnnotate_TruncatesAtBudget(t *testing.T) {
	children := make([]interface{}, 0, 60)
	for i := 0; i < 60; i++ {
		children = append(children, map[string]interface{}{
			"role":   "button",
			"title":  fmt.Sprintf("Button %d", i),
			"bounds": box(float64((i%20)*60), float64((i/20)*50), 50, 40),
		})
	}
	tree := axtree.Node{"role": "window", "children": children}

	analysis := annotator.Annotate(tree, frame, annotator.Options{})
	assert.Equal(t, 40, analysis.ElementCount)
	assert.True(t, analysis.Truncated)
	assert.Contains(t, analysis.Summary, "list truncated")
}

func TestAnnotate_OrderIsStable(t *testing.T) {
	// Interactive first, then top-to-bottom, left-to-right.
	tree := axtree.Node{
		"role": "window",
		"children": []interface{}{
			map[string]interface{}{"role": "text", "title": "Header", "bounds": box(0, 0, 100, 20)},
			map[string]interface{}{"role": "button", "title": "Lower", "bounds": box(100, 500, 80, 30)},
			map[string]interface{}{"role": "button", "title": "Upper", "bounds": box(100, 100, 80, 30)},
			map[string]interface{}{"role": "button", "title": "Upper right", "bounds": box(400, 100, 80, 30)},
		},
	}

	analysis := annotator.Annotate(tree, frame, annotator.Options{})
	require.Equal(t, 4, analysis.ElementCount)
	labels := []string{
		analysis.Elements[0].Label,
		analysis.Elements[1].Label,
		analysis.Elements[2].Label,
		analysis.Elements[3].Label,
	}
	assert.Equal(t, []string{"Upper", "Upper right", "Lower", "Header"}, labels)
}

func TestAnnotate_EmptyTree(t *testing.T) {
	analysis := annotator.Annotate(axtree.Node{"role": "window"}, frame, annotator.Options{})
	assert.Zero(t, analysis.ElementCount)
	assert.Equal(t, "No labeled elements found on screen.", analysis.Summary)
}

func TestAnnotate_SkipsUnlabeledAndUnboundedNodes(t *testing.T) {
	tree := axtree.Node{
		"role": "window",
		"children": []interface{}{
			map[string]interface{}{"role": "button", "bounds": box(0, 0, 50, 30)},     // no label
			map[string]interface{}{"role": "button", "title": "Floating"},             // no bounds
			map[string]interface{}{"role": "button", "title": "OK", "bounds": box(0, 0, 50, 30)},
		},
	}
	analysis := annotator.Annotate(tree, frame, annotator.Options{})
	require.Equal(t, 1, analysis.ElementCount)
	assert.Equal(t, "OK", analysis.Elements[0].Label)
}
