// Package dom defines the document model that actions run against and the
// resolver that turns loose target descriptors into concrete elements.
package dom

import (
	"context"
	"errors"
)

var (
	// ErrInvalidSelector is returned by a Document for selectors it cannot parse.
	ErrInvalidSelector = errors.New("invalid selector")
	// ErrTargetNotFound is returned when no resolution rule matches.
	ErrTargetNotFound = errors.New("target not found")
	// ErrStaleElement is returned when an element is no longer attached.
	ErrStaleElement = errors.New("stale element")
	// ErrNoForm is returned when a submission has no form to submit.
	ErrNoForm = errors.New("element is not inside a form")
)

// Event is a synthetic DOM event. Key is only used for keyboard events.
type Event struct {
	Type string
	Key  string
}

// Common event types dispatched by the executor.
const (
	EventInput  = "input"
	EventChange = "change"
	EventKeyUp  = "keyup"
)

// Element is a handle to one element of a Document. Tag, Attribute and Depth
// describe the element as it was when the handle was produced.
type Element interface {
	// Tag is the lowercase tag name.
	Tag() string
	Attribute(name string) (string, bool)
	// Depth is the number of ancestors, so <html> has depth 1.
	Depth() int

	Text(ctx context.Context) (string, error)
	Value(ctx context.Context) (string, error)
	SetValue(ctx context.Context, value string) error
	Focus(ctx context.Context) error
	Dispatch(ctx context.Context, ev Event) error
	Click(ctx context.Context) error
	ScrollIntoView(ctx context.Context) error
	// Submit submits the element if it is a form, or its owning form otherwise.
	Submit(ctx context.Context) error
	// Mark applies the transient highlight, clearing any other highlight.
	Mark(ctx context.Context) error
	Unmark(ctx context.Context) error
}

// Document is a queryable live or static document.
type Document interface {
	// QuerySelector returns the first match in document order, or nil when
	// nothing matches. Unparseable selectors yield ErrInvalidSelector.
	QuerySelector(ctx context.Context, selector string) (Element, error)
	QuerySelectorAll(ctx context.Context, selector string) ([]Element, error)
	// QueryByText returns every element whose text content contains text,
	// in document order.
	QueryByText(ctx context.Context, text string) ([]Element, error)
}
