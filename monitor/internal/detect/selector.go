package detect

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// selectRegion re-roots the document on the nodes matching the selector,
// dropping everything outside them. No match yields an empty document.
func selectRegion(doc *html.Node, selector string) (*html.Node, error) {
	var sb strings.Builder
	for _, n := range querySelectorAll(doc, selector) {
		if err := html.Render(&sb, n); err != nil {
			return nil, fmt.Errorf("render region: %w", err)
		}
	}
	region, err := html.Parse(strings.NewReader(sb.String()))
	if err != nil {
		return nil, fmt.Errorf("parse region: %w", err)
	}
	return region, nil
}

// removeNodes detaches every node matching one of the selectors from the
// document. Supports a subset of CSS selectors:
//   - tag: "nav", "footer"
//   - .class: ".sidebar", ".ad-banner"
//   - #id: "#comments"
//   - tag.class, tag#id: "div.timestamp"
//   - tag[attr], tag[attr=val]: "div[role=banner]"
//   - combinations separated by space (descendant combinator)
func removeNodes(doc *html.Node, selectors []string) {
	for _, sel := range selectors {
		for _, n := range querySelectorAll(doc, sel) {
			if n.Parent != nil {
				n.Parent.RemoveChild(n)
			}
		}
	}
}

// querySelectorAll returns all nodes matching a simple CSS selector.
func querySelectorAll(doc *html.Node, selector string) []*html.Node {
	parts := strings.Fields(selector)
	if len(parts) == 0 {
		return nil
	}

	matches := matchSimple(doc, parts[0])

	// For descendant combinators, filter through subsequent parts. The walk
	// starts below each match: a node is not its own descendant.
	for i := 1; i < len(parts); i++ {
		var nextMatches []*html.Node
		for _, parent := range matches {
			for c := parent.FirstChild; c != nil; c = c.NextSibling {
				nextMatches = append(nextMatches, matchSimple(c, parts[i])...)
			}
		}
		matches = nextMatches
	}

	return matches
}

// matchSimple finds all nodes matching a single CSS selector part.
func matchSimple(root *html.Node, sel string) []*html.Node {
	m := parseSimpleSelector(sel)
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if matchesSelector(n, m) {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}

type simpleSelector struct {
	tag     string
	id      string
	class   string
	attrKey string
	attrVal string
}

// parseSimpleSelector parses "tag.class", "#id", "tag[attr=val]", etc.
func parseSimpleSelector(sel string) simpleSelector {
	var s simpleSelector

	// Handle attribute selector: tag[attr] or tag[attr=val]
	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		attrPart := strings.TrimRight(sel[idx+1:], "]")
		sel = sel[:idx]
		if eqIdx := strings.IndexByte(attrPart, '='); eqIdx >= 0 {
			s.attrKey = attrPart[:eqIdx]
			s.attrVal = strings.Trim(attrPart[eqIdx+1:], `"'`)
		} else {
			s.attrKey = attrPart
		}
	}

	// Handle #id
	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		s.id = sel[idx+1:]
		sel = sel[:idx]
	}

	// Handle .class
	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		s.class = sel[idx+1:]
		sel = sel[:idx]
	}

	s.tag = sel
	return s
}

// matchesSelector checks if a node matches a parsed simple selector.
func matchesSelector(n *html.Node, s simpleSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}

	if s.tag != "" && n.Data != s.tag {
		return false
	}

	if s.id != "" && getAttr(n, "id") != s.id {
		return false
	}

	if s.class != "" {
		found := false
		for _, c := range strings.Fields(getAttr(n, "class")) {
			if c == s.class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if s.attrKey != "" {
		if s.attrVal != "" {
			if getAttr(n, s.attrKey) != s.attrVal {
				return false
			}
		} else if !hasAttr(n, s.attrKey) {
			return false
		}
	}

	return true
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}

// collectText extracts the visible text content of a node tree.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
