// internal/browser/page.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recaptcha/pkg/recaptcha"
)

// Page is one browser tab. It implements recaptcha.Session.
type Page struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	navTimeout time.Duration
	traffic    *trafficMonitor

	closeOnce sync.Once
	onClose   func()
}

var _ recaptcha.Session = (*Page)(nil)

// ID identifies the page in logs.
func (p *Page) ID() string { return p.id }

func newPage(tabCtx context.Context, cancel context.CancelFunc, navTimeout time.Duration, logger *zap.Logger, onClose func()) *Page {
	id := uuid.NewString()
	return &Page{
		id:         id,
		ctx:        tabCtx,
		cancel:     cancel,
		logger:     logger.With(zap.String("page_id", id)),
		navTimeout: navTimeout,
		onClose:    onClose,
	}
}

// run executes actions against the tab, bounded by ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := p.ctx.Err(); err != nil {
		return fmt.Errorf("page %s is closed: %w", p.id, err)
	}
	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url and waits for the body to be ready.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if p.navTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.navTimeout)
		defer cancel()
	}
	p.logger.Debug("Navigating.", zap.String("url", url))
	if err := p.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

// WaitNetworkIdle blocks until the tab has had no request in flight for
// quiet, or ctx ends.
func (p *Page) WaitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	if p.traffic == nil || quiet <= 0 {
		return nil
	}
	if err := p.traffic.waitIdle(ctx, quiet); err != nil {
		n, _ := p.traffic.pending()
		return fmt.Errorf("waiting for network idle with %d request(s) in flight: %w", n, err)
	}
	return nil
}

// Evaluate runs expression in the top document and decodes its result into
// res, which may be nil.
func (p *Page) Evaluate(ctx context.Context, expression string, res interface{}) error {
	if err := p.run(ctx, chromedp.Evaluate(expression, res)); err != nil {
		return fmt.Errorf("evaluating script: %w", err)
	}
	return nil
}

// QueryFrame implements recaptcha.Session. It never waits for the selector.
func (p *Page) QueryFrame(ctx context.Context, selector string) (recaptcha.Frame, error) {
	node, err := p.queryFirst(ctx, selector)
	if err != nil || node == nil {
		return nil, err
	}
	return &frame{page: p, selector: selector, backendID: node.BackendNodeID, node: node}, nil
}

// queryFirst returns the first node in the top document matching selector,
// or nil.
func (p *Page) queryFirst(ctx context.Context, selector string) (*cdp.Node, error) {
	var nodes []*cdp.Node
	if err := p.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return nodes[0], nil
}

// Close closes the tab. It is safe to call more than once.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		if p.onClose != nil {
			p.onClose()
		}
		p.logger.Debug("Page closed.")
	})
}
