package browser

import (
	"context"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/partscout/internal/browser/dom"
)

// liveDocument queries the tab's current document through the page script.
type liveDocument struct {
	tab *Tab
}

type elementHandle struct {
	ID    int               `json:"id"`
	Tag   string            `json:"tag"`
	Attrs map[string]string `json:"attrs"`
	Depth int               `json:"depth"`
}

type queryResult struct {
	Invalid  bool            `json:"invalid"`
	Elements []elementHandle `json:"elements"`
}

func (d *liveDocument) wrap(handles []elementHandle) []dom.Element {
	out := make([]dom.Element, len(handles))
	for i, h := range handles {
		out[i] = &liveElement{tab: d.tab, h: h}
	}
	return out
}

func (d *liveDocument) QuerySelector(ctx context.Context, selector string) (dom.Element, error) {
	all, err := d.QuerySelectorAll(ctx, selector)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

func (d *liveDocument) QuerySelectorAll(ctx context.Context, selector string) ([]dom.Element, error) {
	var res queryResult
	if err := d.tab.call(ctx, &res, "query", selector); err != nil {
		return nil, err
	}
	if res.Invalid {
		return nil, dom.ErrInvalidSelector
	}
	return d.wrap(res.Elements), nil
}

func (d *liveDocument) QueryByText(ctx context.Context, text string) ([]dom.Element, error) {
	var handles []elementHandle
	if err := d.tab.call(ctx, &handles, "queryText", text); err != nil {
		return nil, err
	}
	return d.wrap(handles), nil
}

// liveElement is a handle into the page script's element registry.
type liveElement struct {
	tab *Tab
	h   elementHandle
}

func (e *liveElement) Tag() string { return e.h.Tag }

func (e *liveElement) Attribute(name string) (string, bool) {
	v, ok := e.h.Attrs[name]
	return v, ok
}

func (e *liveElement) Depth() int { return e.h.Depth }

func (e *liveElement) Text(ctx context.Context) (string, error) {
	var s string
	err := e.tab.call(ctx, &s, "text", e.h.ID)
	return s, err
}

func (e *liveElement) Value(ctx context.Context) (string, error) {
	var s string
	err := e.tab.call(ctx, &s, "value", e.h.ID)
	return s, err
}

func (e *liveElement) SetValue(ctx context.Context, value string) error {
	return e.tab.call(ctx, nil, "setValue", e.h.ID, value)
}

func (e *liveElement) Focus(ctx context.Context) error {
	return e.tab.call(ctx, nil, "focus", e.h.ID)
}

func (e *liveElement) Dispatch(ctx context.Context, ev dom.Event) error {
	return e.tab.call(ctx, nil, "dispatch", e.h.ID, ev.Type, ev.Key)
}

// Click presses the mouse at the element's center so the page sees a real
// pointer sequence. Elements without a box are clicked from script.
func (e *liveElement) Click(ctx context.Context) error {
	var center *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := e.tab.call(ctx, &center, "center", e.h.ID); err != nil {
		return err
	}
	if center == nil {
		return e.tab.call(ctx, nil, "click", e.h.ID)
	}
	return e.tab.run(ctx, chromedp.MouseClickXY(center.X, center.Y))
}

func (e *liveElement) ScrollIntoView(ctx context.Context) error {
	return e.tab.call(ctx, nil, "scroll", e.h.ID)
}

func (e *liveElement) Submit(ctx context.Context) error {
	var ok bool
	if err := e.tab.call(ctx, &ok, "submit", e.h.ID); err != nil {
		return err
	}
	if !ok {
		return dom.ErrNoForm
	}
	return nil
}

func (e *liveElement) Mark(ctx context.Context) error {
	return e.tab.call(ctx, nil, "mark", e.h.ID)
}

func (e *liveElement) Unmark(ctx context.Context) error {
	return e.tab.call(ctx, nil, "unmark", e.h.ID)
}
