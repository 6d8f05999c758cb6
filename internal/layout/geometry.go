// File: internal/layout/geometry.go

// Package layout holds the pure geometry utilities shared by the element
// locator and the screenshot annotator: bounds extraction from the several
// node shapes accessibility backends emit, pixel clamping, and grid-cell
// naming.
package layout

import (
	"fmt"
	"math"

	"github.com/xkilldash9x/sandbridge/api/schemas"
)

// FrameSize is the pixel extent of the captured frame.
type FrameSize struct {
	Width  int
	Height int
}

// MinBoxSide is the smallest usable box dimension after clamping. Anything
// narrower or shorter is treated as noise and discarded.
const MinBoxSide = 2

// rawRect is an unclamped rectangle as extracted from a node, before
// normalized-fraction scaling.
type rawRect struct {
	X, Y, W, H float64
}

// ResolveBounds extracts a bounding box from an untyped node value and
// normalizes it into clamped pixel space. It returns false when the value
// carries no recognizable bounds, or when the clamped box is degenerate.
//
// Accepted shapes, tried in a fixed priority order:
//
//	{x, y, width, height}
//	{x1, y1, x2, y2} or {left, top, right, bottom}
//	{position: {x, y}, size: {width, height}}
//
// If every component lies within [0, 1], the box is interpreted as fractions
// of the frame and scaled up before clamping.
func ResolveBounds(raw interface{}, frame FrameSize) (schemas.PixelRect, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return schemas.PixelRect{}, false
	}

	r, ok := boundsFromXYWH(m)
	if !ok {
		r, ok = boundsFromCorners(m)
	}
	if !ok {
		r, ok = boundsFromPositionSize(m)
	}
	if !ok {
		return schemas.PixelRect{}, false
	}

	if isNormalized(r) {
		r.X *= float64(frame.Width)
		r.W *= float64(frame.Width)
		r.Y *= float64(frame.Height)
		r.H *= float64(frame.Height)
	}

	return clampToFrame(r, frame)
}

// boundsFromXYWH handles the {x, y, width, height} shape.
func boundsFromXYWH(m map[string]interface{}) (rawRect, bool) {
	x, okX := numericField(m, "x")
	y, okY := numericField(m, "y")
	w, okW := numericField(m, "width")
	h, okH := numericField(m, "height")
	if !okX || !okY || !okW || !okH {
		return rawRect{}, false
	}
	return rawRect{X: x, Y: y, W: w, H: h}, true
}

// boundsFromCorners handles corner-pair shapes: {x1,y1,x2,y2} and
// {left,top,right,bottom}.
func boundsFromCorners(m map[string]interface{}) (rawRect, bool) {
	pairs := [][4]string{
		{"x1", "y1", "x2", "y2"},
		{"left", "top", "right", "bottom"},
	}
	for _, keys := range pairs {
		x1, ok1 := numericField(m, keys[0])
		y1, ok2 := numericField(m, keys[1])
		x2, ok3 := numericField(m, keys[2])
		y2, ok4 := numericField(m, keys[3])
		if ok1 && ok2 && ok3 && ok4 {
			return rawRect{
				X: math.Min(x1, x2),
				Y: math.Min(y1, y2),
				W: math.Abs(x2 - x1),
				H: math.Abs(y2 - y1),
			}, true
		}
	}
	return rawRect{}, false
}

// boundsFromPositionSize handles {position: {x,y}, size: {width,height}}.
func boundsFromPositionSize(m map[string]interface{}) (rawRect, bool) {
	pos, okP := m["position"].(map[string]interface{})
	size, okS := m["size"].(map[string]interface{})
	if !okP || !okS {
		return rawRect{}, false
	}
	x, okX := numericField(pos, "x")
	y, okY := numericField(pos, "y")
	w, okW := numericField(size, "width")
	h, okH := numericField(size, "height")
	if !okX || !okY || !okW || !okH {
		return rawRect{}, false
	}
	return rawRect{X: x, Y: y, W: w, H: h}, true
}

// isNormalized reports whether every component of the box lies in [0, 1],
// which marks the box as frame fractions rather than pixels.
func isNormalized(r rawRect) bool {
	within := func(v float64) bool { return v >= 0 && v <= 1 }
	return within(r.X) && within(r.Y) && within(r.W) && within(r.H)
}

// clampToFrame rounds to pixel space, clamps to the frame extents, and
// rejects boxes that end up smaller than MinBoxSide on either axis.
func clampToFrame(r rawRect, frame FrameSize) (schemas.PixelRect, bool) {
	x0 := clampInt(int(math.Round(r.X)), 0, frame.Width)
	y0 := clampInt(int(math.Round(r.Y)), 0, frame.Height)
	x1 := clampInt(int(math.Round(r.X+r.W)), 0, frame.Width)
	y1 := clampInt(int(math.Round(r.Y+r.H)), 0, frame.Height)

	w := x1 - x0
	h := y1 - y0
	if w < MinBoxSide || h < MinBoxSide {
		return schemas.PixelRect{}, false
	}
	return schemas.PixelRect{X: x0, Y: y0, Width: w, Height: h}, true
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampPoint forces a point inside the frame (inclusive of edge pixels).
func ClampPoint(p schemas.Point, frame FrameSize) schemas.Point {
	return schemas.Point{
		X: clampInt(p.X, 0, frame.Width-1),
		Y: clampInt(p.Y, 0, frame.Height-1),
	}
}

// InFrame reports whether a point lies inside the frame.
func InFrame(p schemas.Point, frame FrameSize) bool {
	return p.X >= 0 && p.X < frame.Width && p.Y >= 0 && p.Y < frame.Height
}

// numericField reads a numeric map entry. JSON decoding yields float64, but
// hand-built trees in tests and some backends use ints.
func numericField(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// ColumnName converts a 0-based column index into a spreadsheet-style name:
// A..Z, AA, AB, and so on.
func ColumnName(col int) string {
	if col < 0 {
		return "?"
	}
	name := ""
	for {
		name = string(rune('A'+col%26)) + name
		col = col/26 - 1
		if col < 0 {
			break
		}
	}
	return name
}

// CellLabel names the grid cell containing a point, e.g. "C4": spreadsheet
// column plus 1-based row.
func CellLabel(p schemas.Point, frame FrameSize, rows, cols int) string {
	if rows <= 0 || cols <= 0 || frame.Width <= 0 || frame.Height <= 0 {
		return "?"
	}
	clamped := ClampPoint(p, frame)
	col := clamped.X * cols / frame.Width
	row := clamped.Y * rows / frame.Height
	if col >= cols {
		col = cols - 1
	}
	if row >= rows {
		row = rows - 1
	}
	return fmt.Sprintf("%s%d", ColumnName(col), row+1)
}
