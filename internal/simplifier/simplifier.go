// Package simplifier reduces a captured document to the compact element
// listing the decision oracle works from.
package simplifier

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/partscout/api/schemas"
)

const (
	// MaxTextLength caps each descriptor's visible text, in runes.
	MaxTextLength = 100
	// DefaultBudget caps the rendered listing, in bytes.
	DefaultBudget = 8000
	// TruncationMarker ends a listing that was cut at the budget.
	TruncationMarker = "...[truncated]"
)

// strippedXPath selects branches that never carry user-facing structure.
const strippedXPath = "//script|//style|//noscript|//template"

// allowed lists the tags that make it into a snapshot.
var allowed = map[string]bool{
	"form":     true,
	"input":    true,
	"button":   true,
	"a":        true,
	"h1":       true,
	"h2":       true,
	"h3":       true,
	"select":   true,
	"textarea": true,
}

// Simplify parses rawHTML and returns its snapshot. The same input always
// yields the same snapshot.
func Simplify(rawHTML, pageURL string) (schemas.StructureSnapshot, error) {
	doc, err := htmlquery.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return schemas.StructureSnapshot{}, fmt.Errorf("parse document: %w", err)
	}
	return SimplifyNode(doc, pageURL), nil
}

// SimplifyNode builds a snapshot from an already parsed tree. The tree is not
// modified.
func SimplifyNode(root *html.Node, pageURL string) schemas.StructureSnapshot {
	skip := make(map[*html.Node]bool)
	for _, n := range htmlquery.Find(root, strippedXPath) {
		skip[n] = true
	}

	snapshot := schemas.StructureSnapshot{URL: pageURL, Elements: []schemas.ElementDescriptor{}}
	if title := htmlquery.FindOne(root, "//title"); title != nil {
		snapshot.Title = collapse(htmlquery.InnerText(title))
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if skip[n] {
			return
		}
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			if allowed[tag] {
				snapshot.Elements = append(snapshot.Elements, describe(n, tag, len(snapshot.Elements), skip))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return snapshot
}

func describe(n *html.Node, tag string, index int, skip map[*html.Node]bool) schemas.ElementDescriptor {
	return schemas.ElementDescriptor{
		Index:          index,
		Role:           tag,
		Identifier:     htmlquery.SelectAttr(n, "id"),
		Classification: strings.Join(strings.Fields(htmlquery.SelectAttr(n, "class")), " "),
		InputKind:      inputKind(n, tag),
		LinkTarget:     htmlquery.SelectAttr(n, "href"),
		CurrentValue:   currentValue(n, tag, skip),
		VisibleText:    Truncate(collapse(visibleText(n, skip)), MaxTextLength),
		Name:           htmlquery.SelectAttr(n, "name"),
		Placeholder:    htmlquery.SelectAttr(n, "placeholder"),
	}
}

// inputKind mirrors the DOM's reflected `type` property.
func inputKind(n *html.Node, tag string) string {
	t := strings.ToLower(strings.TrimSpace(htmlquery.SelectAttr(n, "type")))
	switch tag {
	case "input":
		if t == "" {
			return "text"
		}
	case "button":
		if t != "button" && t != "reset" {
			return "submit"
		}
	case "select":
		if hasAttr(n, "multiple") {
			return "select-multiple"
		}
		return "select-one"
	case "textarea":
		return "textarea"
	}
	return t
}

func currentValue(n *html.Node, tag string, skip map[*html.Node]bool) string {
	switch tag {
	case "input", "button":
		return htmlquery.SelectAttr(n, "value")
	case "textarea":
		return visibleText(n, skip)
	case "select":
		options := htmlquery.Find(n, ".//option")
		if len(options) == 0 {
			return ""
		}
		chosen := options[0]
		for _, o := range options {
			if hasAttr(o, "selected") {
				chosen = o
				break
			}
		}
		if hasAttr(chosen, "value") {
			return htmlquery.SelectAttr(chosen, "value")
		}
		return collapse(htmlquery.InnerText(chosen))
	}
	return ""
}

// visibleText concatenates text nodes below n, ignoring stripped branches.
func visibleText(n *html.Node, skip map[*html.Node]bool) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if skip[c] {
			return
		}
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(n)
	return sb.String()
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
