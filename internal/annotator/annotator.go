// File: internal/annotator/annotator.go

// Package annotator turns a captured frame's accessibility tree into a
// grid-labeled inventory of elements the worker can reason about by name
// instead of by pixel.
package annotator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/sandbridge/api/schemas"
	"github.com/xkilldash9x/sandbridge/internal/axtree"
	"github.com/xkilldash9x/sandbridge/internal/layout"
)

// Defaults for the labeling grid and the element budget.
const (
	DefaultRows        = 8
	DefaultCols        = 12
	DefaultMaxElements = 40

	// containerAreaRatio marks boxes that cover most of the frame as
	// structural wrappers rather than elements worth labeling.
	containerAreaRatio = 0.85

	// maxLabelLen keeps the summary readable.
	maxLabelLen = 80
)

// Options tunes a single annotation pass. Zero values fall back to defaults.
type Options struct {
	Rows        int
	Cols        int
	MaxElements int
}

func (o Options) withDefaults() Options {
	if o.Rows <= 0 {
		o.Rows = DefaultRows
	}
	if o.Cols <= 0 {
		o.Cols = DefaultCols
	}
	if o.MaxElements <= 0 {
		o.MaxElements = DefaultMaxElements
	}
	return o
}

// Annotate builds a ScreenshotAnalysis from an accessibility tree and the
// frame it describes. The result is complete at return and never mutated.
func Annotate(root axtree.Node, frame layout.FrameSize, opts Options) *schemas.ScreenshotAnalysis {
	opts = opts.withDefaults()
	frameArea := float64(frame.Width) * float64(frame.Height)

	type candidate struct {
		label       string
		role        string
		interactive bool
		rect        schemas.PixelRect
	}

	var candidates []candidate
	seen := make(map[string]bool)
	for _, node := range axtree.Flatten(root, 0) {
		raw, ok := node.RawBounds()
		if !ok {
			continue
		}
		rect, ok := layout.ResolveBounds(raw, frame)
		if !ok {
			continue
		}
		label, ok := node.Label()
		if !ok {
			continue
		}

		// Skip structural containers that merely wrap other elements.
		if len(node.Children()) > 0 && frameArea > 0 &&
			float64(rect.Area())/frameArea > containerAreaRatio {
			continue
		}

		// Deduplicate by (center, normalized label): backends frequently
		// report the same widget at several tree levels.
		center := rect.Center()
		key := fmt.Sprintf("%d:%d:%s", center.X, center.Y, axtree.NormalizeLabel(label))
		if seen[key] {
			continue
		}
		seen[key] = true

		candidates = append(candidates, candidate{
			label:       truncateLabel(label),
			role:        node.Role(),
			interactive: node.Interactive(),
			rect:        rect,
		})
	}

	// Interactive before decorative, then top-to-bottom, left-to-right.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.interactive != b.interactive {
			return a.interactive
		}
		ac, bc := a.rect.Center(), b.rect.Center()
		if ac.Y != bc.Y {
			return ac.Y < bc.Y
		}
		return ac.X < bc.X
	})

	truncated := false
	if len(candidates) > opts.MaxElements {
		candidates = candidates[:opts.MaxElements]
		truncated = true
	}

	elements := make([]schemas.LabeledElement, len(candidates))
	for i, c := range candidates {
		center := c.rect.Center()
		elements[i] = schemas.LabeledElement{
			ID:          i + 1,
			Label:       c.label,
			Role:        c.role,
			Interactive: c.interactive,
			Center:      center,
			Bounds:      c.rect,
			Cell:        layout.CellLabel(center, frame, opts.Rows, opts.Cols),
		}
	}

	return &schemas.ScreenshotAnalysis{
		Grid: schemas.GridSpec{
			Rows:   opts.Rows,
			Cols:   opts.Cols,
			Width:  frame.Width,
			Height: frame.Height,
		},
		Elements:     elements,
		ElementCount: len(elements),
		Truncated:    truncated,
		Summary:      renderSummary(elements, truncated),
	}
}

// renderSummary produces the human-readable element listing the worker reads.
func renderSummary(elements []schemas.LabeledElement, truncated bool) string {
	if len(elements) == 0 {
		return "No labeled elements found on screen."
	}

	interactive := 0
	for _, el := range elements {
		if el.Interactive {
			interactive++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d elements (%d interactive)", len(elements), interactive)
	if truncated {
		sb.WriteString(", list truncated")
	}
	sb.WriteString(":\n")
	for _, el := range elements {
		fmt.Fprintf(&sb, "[%d] %s %q", el.ID, el.Cell, el.Label)
		if el.Role != "" {
			fmt.Fprintf(&sb, " (%s)", el.Role)
		}
		fmt.Fprintf(&sb, " @ (%d,%d)\n", el.Center.X, el.Center.Y)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncateLabel(s string) string {
	if len(s) <= maxLabelLen {
		return s
	}
	return s[:maxLabelLen] + "..."
}
