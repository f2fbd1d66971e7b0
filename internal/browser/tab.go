package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/browser/dom"
	"github.com/xkilldash9x/partscout/internal/browser/shim"
	"github.com/xkilldash9x/partscout/internal/config"
	"github.com/xkilldash9x/partscout/internal/observer"
)

// BindingName is the runtime binding the page script reports through.
const BindingName = "__partscoutEmit"

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultReadyTimeout      = 15 * time.Second
	closeTimeout             = 10 * time.Second
)

var pageScriptConfig = shim.Config{
	Binding:        BindingName,
	HighlightClass: dom.HighlightClass,
	StyleID:        dom.HighlightClass + "-style",
	Interactive:    "form, input, button",
}

// Tab is a single Chrome tab driven over CDP. It satisfies the mediator's
// Page contract.
type Tab struct {
	logger *zap.Logger
	cfg    config.BrowserConfig
	script string

	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc

	mu         sync.Mutex
	onMutation func([]observer.AddedNode)
	closeOnce  sync.Once
}

type bindingMessage struct {
	Type  string `json:"type"`
	Nodes []struct {
		Tag                 string `json:"tag"`
		ContainsInteractive bool   `json:"containsInteractive"`
	} `json:"nodes"`
}

// NewTab launches Chrome, opens a tab and installs the page script.
func NewTab(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Tab, error) {
	script, err := shim.BuildPageScript(shim.Template(), pageScriptConfig)
	if err != nil {
		return nil, err
	}

	t := &Tab{
		logger: logger.Named("browser"),
		cfg:    cfg,
		script: script,
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, DefaultAllocatorOptions(cfg)...)
	ctxOpts := []chromedp.ContextOption{
		chromedp.WithLogf(t.logger.Sugar().Debugf),
		chromedp.WithErrorf(t.logger.Sugar().Warnf),
	}
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(t.logger.Sugar().Debugf))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, ctxOpts...)
	t.allocCancel = allocCancel
	t.ctx = tabCtx
	t.cancel = tabCancel

	chromedp.ListenTarget(tabCtx, t.handleEvent)

	err = chromedp.Run(tabCtx,
		runtime.Enable(),
		runtime.AddBinding(BindingName),
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(c)
			return err
		}),
	)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to prepare browser tab: %w", err)
	}
	t.logger.Info("Browser tab ready.", zap.Bool("headless", cfg.Headless))
	return t, nil
}

func (t *Tab) handleEvent(ev interface{}) {
	called, ok := ev.(*runtime.EventBindingCalled)
	if !ok || called.Name != BindingName {
		return
	}
	var msg bindingMessage
	if err := json.Unmarshal([]byte(called.Payload), &msg); err != nil {
		t.logger.Debug("Dropping malformed binding payload.", zap.Error(err))
		return
	}
	if msg.Type != "mutations" || len(msg.Nodes) == 0 {
		return
	}
	batch := make([]observer.AddedNode, len(msg.Nodes))
	for i, n := range msg.Nodes {
		batch[i] = observer.AddedNode{Tag: n.Tag, ContainsInteractive: n.ContainsInteractive}
	}

	t.mu.Lock()
	fn := t.onMutation
	t.mu.Unlock()
	if fn != nil {
		fn(batch)
	}
}

// run executes actions on the tab, bounded by both the tab and ctx.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func withTimeout(ctx context.Context, d, fallback time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = fallback
	}
	return context.WithTimeout(ctx, d)
}

// Navigate loads url and waits for the document body.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := withTimeout(ctx, t.cfg.NavigationTimeout, defaultNavigationTimeout)
	defer cancel()
	if err := t.run(navCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	t.logger.Debug("Navigated.", zap.String("url", url))
	return nil
}

// WaitReady blocks until the document has a body and the page script is
// present. Documents loaded before the script was registered get it here.
func (t *Tab) WaitReady(ctx context.Context) error {
	readyCtx, cancel := withTimeout(ctx, t.cfg.ReadyTimeout, defaultReadyTimeout)
	defer cancel()
	return t.run(readyCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(t.script, nil),
	)
}

// Capture reads the current markup, location and title.
func (t *Tab) Capture(ctx context.Context) (schemas.PageCapture, error) {
	var capture schemas.PageCapture
	err := t.run(ctx,
		chromedp.OuterHTML("html", &capture.HTML, chromedp.ByQuery),
		chromedp.Location(&capture.URL),
		chromedp.Title(&capture.Title),
	)
	if err != nil {
		return schemas.PageCapture{}, fmt.Errorf("failed to capture page: %w", err)
	}
	return capture, nil
}

func (t *Tab) Document() dom.Document { return &liveDocument{tab: t} }

func (t *Tab) OnMutations(fn func([]observer.AddedNode)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMutation = fn
}

// Close shuts the tab and the browser process.
func (t *Tab) Close() {
	t.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(t.ctx) }()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.logger.Warn("Error closing browser tab.", zap.Error(err))
			}
		case <-time.After(closeTimeout):
			t.logger.Warn("Timed out closing browser tab.", zap.Duration("timeout", closeTimeout))
		}
		t.cancel()
		t.allocCancel()
	})
}

// call invokes a page script method with JSON encoded arguments.
func (t *Tab) call(ctx context.Context, res interface{}, method string, args ...interface{}) error {
	encoded := make([]string, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("failed to encode argument for %s: %w", method, err)
		}
		encoded[i] = string(raw)
	}
	expr := fmt.Sprintf("%s.%s(%s)", shim.Global, method, strings.Join(encoded, ","))
	if err := t.run(ctx, chromedp.Evaluate(expr, res)); err != nil {
		if strings.Contains(err.Error(), "stale") {
			return dom.ErrStaleElement
		}
		return fmt.Errorf("page script %s failed: %w", method, err)
	}
	return nil
}
