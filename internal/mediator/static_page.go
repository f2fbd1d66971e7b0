package mediator

import (
	"context"
	"sync"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/browser/dom"
	"github.com/xkilldash9x/partscout/internal/observer"
)

// StaticPage serves a parsed HTML document as a Page. It never navigates, so
// actions change only the in-memory state of its document.
type StaticPage struct {
	doc *dom.StaticDocument
	url string

	mu       sync.Mutex
	mutation func([]observer.AddedNode)
}

// NewStaticPage parses rawHTML and reports pageURL as its location.
func NewStaticPage(rawHTML, pageURL string) (*StaticPage, error) {
	doc, err := dom.NewStaticDocument(rawHTML)
	if err != nil {
		return nil, err
	}
	return &StaticPage{doc: doc, url: pageURL}, nil
}

func (p *StaticPage) WaitReady(ctx context.Context) error { return ctx.Err() }

func (p *StaticPage) Capture(ctx context.Context) (schemas.PageCapture, error) {
	if err := ctx.Err(); err != nil {
		return schemas.PageCapture{}, err
	}
	raw, err := p.doc.HTML()
	if err != nil {
		return schemas.PageCapture{}, err
	}
	return schemas.PageCapture{HTML: raw, URL: p.url, Title: p.doc.Title()}, nil
}

func (p *StaticPage) Document() dom.Document { return p.doc }

// StaticDocument exposes the underlying document for inspection.
func (p *StaticPage) StaticDocument() *dom.StaticDocument { return p.doc }

func (p *StaticPage) OnMutations(fn func([]observer.AddedNode)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mutation = fn
}

// Mutate feeds a batch of added nodes as if the document had changed.
func (p *StaticPage) Mutate(batch []observer.AddedNode) {
	p.mu.Lock()
	fn := p.mutation
	p.mu.Unlock()
	if fn != nil {
		fn(batch)
	}
}
