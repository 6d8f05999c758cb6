// File: api/schemas/analysis.go
package schemas

// GridSpec describes the labeling grid laid over a captured frame.
type GridSpec struct {
	Rows   int `json:"rows"`
	Cols   int `json:"cols"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// LabeledElement is one on-screen element surfaced to the worker, carrying a
// 1-based id and a spreadsheet-style grid cell reference (e.g. "C4").
type LabeledElement struct {
	ID          int       `json:"id"`
	Label       string    `json:"label"`
	Role        string    `json:"role,omitempty"`
	Interactive bool      `json:"interactive"`
	Center      Point     `json:"center"`
	Bounds      PixelRect `json:"bounds"`
	Cell        string    `json:"cell"`
}

// ScreenshotAnalysis is a grid-labeled inventory of a captured frame, built
// fresh per screenshot and never mutated after construction.
type ScreenshotAnalysis struct {
	Grid         GridSpec         `json:"grid"`
	Elements     []LabeledElement `json:"elements"`
	ElementCount int              `json:"elementCount"`
	Truncated    bool             `json:"truncated"`
	Summary      string           `json:"summary"`
}
