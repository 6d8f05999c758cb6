// File: internal/axtree/node.go

// Package axtree is a small accessor layer over the untyped, heterogeneous
// tree nodes that accessibility backends return. Rather than one polymorphic
// parser, each candidate shape gets its own accessor tried in a fixed order.
package axtree

import (
	"strings"
)

// Node is one untyped accessibility-tree node.
type Node map[string]interface{}

// DefaultMaxDepth caps traversal so that cyclic or pathological trees still
// terminate.
const DefaultMaxDepth = 50

// defaultMaxNodes bounds the total node count a single flatten may visit.
const defaultMaxNodes = 8192

// labelKeys are the label-bearing fields, in priority order.
var labelKeys = []string{
	"title", "label", "name", "text", "aria-label", "ariaLabel",
	"placeholder", "value", "description",
}

// childKeys are the container keys a backend may nest children under.
var childKeys = []string{"children", "nodes", "elements"}

// boundsKeys are the keys a bounding box may hide behind.
var boundsKeys = []string{"bounds", "rect", "frame"}

// interactiveRoles are roles that accept user input. Interactive nodes win
// ties during locator scoring and sort first in screenshot annotations.
var interactiveRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "searchbox": true,
	"checkbox": true, "radio": true, "combobox": true, "menuitem": true,
	"tab": true, "switch": true, "slider": true, "option": true,
	"textfield": true, "spinbutton": true,
}

// Label returns the first non-empty label-bearing field.
func (n Node) Label() (string, bool) {
	for _, key := range labelKeys {
		if s, ok := n[key].(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed, true
			}
		}
	}
	return "", false
}

// Role returns the node's role, lowercased, or "" when absent.
func (n Node) Role() string {
	if s, ok := n["role"].(string); ok {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return ""
}

// Interactive reports whether the node's role accepts user input.
func (n Node) Interactive() bool {
	return interactiveRoles[n.Role()]
}

// RawBounds returns the untyped bounds value, if any. Interpretation is the
// layout package's job.
func (n Node) RawBounds() (interface{}, bool) {
	for _, key := range boundsKeys {
		if v, ok := n[key]; ok && v != nil {
			return v, true
		}
	}
	// Some backends inline the box on the node itself.
	if _, ok := n["width"]; ok {
		if _, ok := n["x"]; ok {
			return map[string]interface{}(n), true
		}
	}
	return nil, false
}

// Children returns the node's children from whichever container key holds
// them. A child that is not an object is skipped.
func (n Node) Children() []Node {
	for _, key := range childKeys {
		raw, ok := n[key].([]interface{})
		if !ok {
			continue
		}
		children := make([]Node, 0, len(raw))
		for _, c := range raw {
			if m, ok := c.(map[string]interface{}); ok {
				children = append(children, Node(m))
			}
		}
		return children
	}
	return nil
}

// Flatten walks the tree depth-first and returns every node, root included.
// Depth is capped at maxDepth (DefaultMaxDepth if maxDepth <= 0) and the
// total visit count is bounded, so traversal terminates even on cyclic input.
func Flatten(root Node, maxDepth int) []Node {
	if root == nil {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	var out []Node
	var walk func(n Node, depth int)
	walk = func(n Node, depth int) {
		if depth > maxDepth || len(out) >= defaultMaxNodes {
			return
		}
		out = append(out, n)
		for _, child := range n.Children() {
			walk(child, depth+1)
		}
	}
	walk(root, 0)
	return out
}

// NormalizeLabel lowercases a label and collapses internal whitespace, the
// canonical form used for matching and deduplication.
func NormalizeLabel(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
