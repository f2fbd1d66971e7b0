package dom

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// HighlightClass is the class applied by Mark.
const HighlightClass = "partscout-highlight"

// RecordedEvent is one interaction observed by a StaticDocument.
type RecordedEvent struct {
	Tag   string
	ID    string
	Type  string
	Key   string
	Value string
}

// StaticDocument is an in-memory Document over a parsed HTML tree. Values,
// focus and submissions are tracked in memory and every interaction is
// recorded, which makes it suitable for dry runs and tests.
type StaticDocument struct {
	doc *goquery.Document

	mu        sync.Mutex
	values    map[*html.Node]string
	marked    *html.Node
	focused   *html.Node
	events    []RecordedEvent
	submitted []*html.Node
}

// NewStaticDocument parses rawHTML.
func NewStaticDocument(rawHTML string) (*StaticDocument, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &StaticDocument{doc: doc, values: make(map[*html.Node]string)}, nil
}

// Root returns the parsed tree.
func (d *StaticDocument) Root() *html.Node {
	return d.doc.Nodes[0]
}

// HTML serializes the current tree.
func (d *StaticDocument) HTML() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Html()
}

// Title returns the collapsed text of the first title element.
func (d *StaticDocument) Title() string {
	return strings.Join(strings.Fields(d.doc.Find("title").First().Text()), " ")
}

// Events returns a copy of the recorded interactions.
func (d *StaticDocument) Events() []RecordedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]RecordedEvent(nil), d.events...)
}

// Submitted returns the ids (or tag names) of submitted forms in order.
func (d *StaticDocument) Submitted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.submitted))
	for _, n := range d.submitted {
		out = append(out, nodeLabel(n))
	}
	return out
}

func (d *StaticDocument) compile(selector string) (cascadia.SelectorGroup, error) {
	// Browsers reject jQuery's :contains, so the resolver has to fall back.
	if strings.Contains(selector, ":contains(") {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSelector, selector)
	}
	group, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSelector, selector, err)
	}
	return group, nil
}

func (d *StaticDocument) QuerySelector(ctx context.Context, selector string) (Element, error) {
	group, err := d.compile(selector)
	if err != nil {
		return nil, err
	}
	n := cascadia.Query(d.Root(), group)
	if n == nil {
		return nil, nil
	}
	return d.wrap(n), nil
}

func (d *StaticDocument) QuerySelectorAll(ctx context.Context, selector string) ([]Element, error) {
	group, err := d.compile(selector)
	if err != nil {
		return nil, err
	}
	nodes := cascadia.QueryAll(d.Root(), group)
	out := make([]Element, len(nodes))
	for i, n := range nodes {
		out[i] = d.wrap(n)
	}
	return out, nil
}

func (d *StaticDocument) QueryByText(ctx context.Context, text string) ([]Element, error) {
	var out []Element
	d.doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		if strings.Contains(s.Text(), text) {
			out = append(out, d.wrap(s.Nodes[0]))
		}
	})
	return out, nil
}

func (d *StaticDocument) wrap(n *html.Node) *staticElement {
	return &staticElement{doc: d, node: n, sel: d.doc.FindNodes(n)}
}

func (d *StaticDocument) record(n *html.Node, typ, key, value string) {
	d.events = append(d.events, RecordedEvent{Tag: n.Data, ID: attr(n, "id"), Type: typ, Key: key, Value: value})
}

type staticElement struct {
	doc  *StaticDocument
	node *html.Node
	sel  *goquery.Selection
}

func (e *staticElement) Tag() string { return strings.ToLower(e.node.Data) }

func (e *staticElement) Attribute(name string) (string, bool) {
	return e.sel.Attr(name)
}

func (e *staticElement) Depth() int {
	depth := 0
	for p := e.node.Parent; p != nil; p = p.Parent {
		depth++
	}
	return depth
}

func (e *staticElement) Text(ctx context.Context) (string, error) {
	return e.sel.Text(), nil
}

func (e *staticElement) Value(ctx context.Context) (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.valueLocked(), nil
}

func (e *staticElement) valueLocked() string {
	if v, ok := e.doc.values[e.node]; ok {
		return v
	}
	switch e.Tag() {
	case "textarea":
		return e.sel.Text()
	case "select":
		opt := e.sel.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = e.sel.Find("option").First()
		}
		if v, ok := opt.Attr("value"); ok {
			return v
		}
		return strings.TrimSpace(opt.Text())
	}
	v, _ := e.sel.Attr("value")
	return v
}

func (e *staticElement) SetValue(ctx context.Context, value string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.doc.values[e.node] = value
	return nil
}

func (e *staticElement) Focus(ctx context.Context) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.doc.focused = e.node
	e.doc.record(e.node, "focus", "", "")
	return nil
}

func (e *staticElement) Dispatch(ctx context.Context, ev Event) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.doc.record(e.node, ev.Type, ev.Key, e.valueLocked())
	return nil
}

func (e *staticElement) Click(ctx context.Context) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.doc.record(e.node, "click", "", "")
	return nil
}

func (e *staticElement) ScrollIntoView(ctx context.Context) error { return nil }

func (e *staticElement) Submit(ctx context.Context) error {
	form := e.node
	for form != nil && !(form.Type == html.ElementNode && strings.EqualFold(form.Data, "form")) {
		form = form.Parent
	}
	if form == nil {
		return ErrNoForm
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.doc.submitted = append(e.doc.submitted, form)
	e.doc.record(form, "submit", "", "")
	return nil
}

func (e *staticElement) Mark(ctx context.Context) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if e.doc.marked != nil && e.doc.marked != e.node {
		e.doc.doc.FindNodes(e.doc.marked).RemoveClass(HighlightClass)
	}
	e.sel.AddClass(HighlightClass)
	e.doc.marked = e.node
	return nil
}

func (e *staticElement) Unmark(ctx context.Context) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.sel.RemoveClass(HighlightClass)
	if e.doc.marked == e.node {
		e.doc.marked = nil
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeLabel(n *html.Node) string {
	if id := attr(n, "id"); id != "" {
		return "#" + id
	}
	return n.Data
}
