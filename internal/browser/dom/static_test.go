package dom

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDocument_QuerySelector(t *testing.T) {
	doc, err := NewStaticDocument(lookupPage)
	require.NoError(t, err)
	ctx := context.Background()

	el, err := doc.QuerySelector(ctx, "input, button")
	require.NoError(t, err)
	assert.Equal(t, "chassis", id(el), "group selectors return the first match in document order")

	el, err = doc.QuerySelector(ctx, "#nope")
	require.NoError(t, err)
	assert.Nil(t, el)

	_, err = doc.QuerySelector(ctx, `button:contains("Search")`)
	assert.ErrorIs(t, err, ErrInvalidSelector)

	_, err = doc.QuerySelectorAll(ctx, "input[")
	assert.ErrorIs(t, err, ErrInvalidSelector)
}

func TestStaticDocument_ElementOperations(t *testing.T) {
	doc, err := NewStaticDocument(`<form id="f"><input id="a" value="old"><select id="s"><option value="x">X</option><option value="y" selected>Y</option></select></form><p id="p">text</p>`)
	require.NoError(t, err)
	ctx := context.Background()

	input, err := doc.QuerySelector(ctx, "#a")
	require.NoError(t, err)
	v, _ := input.Value(ctx)
	assert.Equal(t, "old", v)
	require.NoError(t, input.SetValue(ctx, "new"))
	require.NoError(t, input.Dispatch(ctx, Event{Type: EventInput}))
	v, _ = input.Value(ctx)
	assert.Equal(t, "new", v)

	sel, err := doc.QuerySelector(ctx, "#s")
	require.NoError(t, err)
	v, _ = sel.Value(ctx)
	assert.Equal(t, "y", v)

	require.NoError(t, input.Submit(ctx))
	assert.Equal(t, []string{"#f"}, doc.Submitted())

	p, err := doc.QuerySelector(ctx, "#p")
	require.NoError(t, err)
	assert.ErrorIs(t, p.Submit(ctx), ErrNoForm)

	events := doc.Events()
	require.Len(t, events, 2)
	assert.Equal(t, RecordedEvent{Tag: "input", ID: "a", Type: "input", Value: "new"}, events[0])
	assert.Equal(t, "submit", events[1].Type)
}

func TestStaticDocument_MarkMovesHighlight(t *testing.T) {
	doc, err := NewStaticDocument(`<a id="one" class="nav">1</a><a id="two">2</a>`)
	require.NoError(t, err)
	ctx := context.Background()

	one, _ := doc.QuerySelector(ctx, "#one")
	two, _ := doc.QuerySelector(ctx, "#two")

	require.NoError(t, one.Mark(ctx))
	cls, _ := one.Attribute("class")
	assert.Contains(t, cls, HighlightClass)

	require.NoError(t, two.Mark(ctx))
	cls, _ = one.Attribute("class")
	assert.NotContains(t, cls, HighlightClass, "marking another element clears the previous highlight")
	assert.Contains(t, cls, "nav")

	require.NoError(t, two.Unmark(ctx))
	marked, err := doc.QuerySelectorAll(ctx, "."+HighlightClass)
	require.NoError(t, err)
	assert.Empty(t, marked)
}

func TestStaticDocument_Depth(t *testing.T) {
	doc, err := NewStaticDocument(`<html><body><div id="d"><span id="s">x</span></div></body></html>`)
	require.NoError(t, err)
	d, _ := doc.QuerySelector(context.Background(), "#d")
	s, _ := doc.QuerySelector(context.Background(), "#s")
	assert.Equal(t, 3, d.Depth())
	assert.Equal(t, 4, s.Depth())
}
