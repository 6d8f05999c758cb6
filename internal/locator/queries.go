// File: internal/locator/queries.go
package locator

import (
	"regexp"
	"strings"

	"github.com/xkilldash9x/sandbridge/internal/axtree"
)

// Query expansion turns a loose selector-or-description into an ordered list
// of text candidates. The input may be a CSS-ish selector left over from a
// web-trained agent, a text= literal, or a plain phrase; every fragment that
// could name the element on screen becomes a candidate.

const textLiteralPrefix = "text="

var (
	// [name="value"], [placeholder*='Search'] and friends.
	attrValuePattern = regexp.MustCompile(`\[\s*[\w-]+\s*[*^$~|]?=\s*["']?([^"'\]]+)["']?\s*\]`)
	// #signin-button
	idTokenPattern = regexp.MustCompile(`#([\w-]+)`)
	// .login-form
	classTokenPattern = regexp.MustCompile(`\.([\w-]+)`)
	// Characters that mark the input as a selector rather than a phrase.
	selectorMarkers = ".#[]>:="
)

// searchSynonyms are injected when a candidate smells like a search box, a
// frequent target whose visible label varies wildly across UIs.
var searchSynonyms = []string{"search", "find", "query"}

// ExpandQueries derives the normalized, order-preserving, deduplicated
// candidate queries for an input description.
func ExpandQueries(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}

	// A text= literal is used verbatim, nothing else.
	if strings.HasPrefix(input, textLiteralPrefix) {
		literal := strings.TrimSpace(strings.TrimPrefix(input, textLiteralPrefix))
		if literal == "" {
			return nil
		}
		return []string{literal}
	}

	var out []string
	seen := make(map[string]bool)
	add := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		norm := axtree.NormalizeLabel(candidate)
		if norm == "" || seen[norm] {
			return
		}
		seen[norm] = true
		out = append(out, candidate)
	}

	// A plain phrase is its own best candidate.
	if !strings.ContainsAny(input, selectorMarkers) {
		add(input)
	}

	// Attribute values carry the human-visible text in most selectors.
	for _, match := range attrValuePattern.FindAllStringSubmatch(input, -1) {
		add(match[1])
	}

	// Id and class tokens, with separators spaced out so "signin-button"
	// also yields "signin button".
	for _, match := range idTokenPattern.FindAllStringSubmatch(input, -1) {
		add(match[1])
		add(spaceOutToken(match[1]))
	}
	for _, match := range classTokenPattern.FindAllStringSubmatch(input, -1) {
		add(match[1])
		add(spaceOutToken(match[1]))
	}

	// Individual words of multi-word phrases, skipping short glue words.
	if !strings.ContainsAny(input, selectorMarkers) {
		words := strings.Fields(input)
		if len(words) > 1 {
			for _, w := range words {
				if len(w) >= 3 {
					add(w)
				}
			}
		}
	}

	// Synonym injection for search-box-like inputs.
	for _, existing := range out {
		if strings.Contains(axtree.NormalizeLabel(existing), "search") {
			for _, syn := range searchSynonyms {
				add(syn)
			}
			break
		}
	}

	return out
}

// spaceOutToken converts kebab/snake identifiers into a plain phrase.
func spaceOutToken(token string) string {
	token = strings.ReplaceAll(token, "-", " ")
	token = strings.ReplaceAll(token, "_", " ")
	return token
}
