// internal/browser/frame.go
package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/scalpel-recaptcha/pkg/recaptcha"
)

//go:embed js/visible.js
var visibleJS string

// staleProbeTimeout bounds the extra lookup made to tell a detached frame from
// an ordinary CDP failure.
const staleProbeTimeout = 2 * time.Second

// frame is a handle on an iframe element in the page. Every call re-resolves
// the iframe so a detached or replaced element reads as stale instead of
// acting on an old document.
type frame struct {
	page      *Page
	selector  string
	backendID cdp.BackendNodeID
	node      *cdp.Node
}

var _ recaptcha.Frame = (*frame)(nil)

func (f *frame) Selector() string { return f.selector }

// refresh re-queries the host selector and checks that it still resolves to
// the same element.
func (f *frame) refresh(ctx context.Context) (*cdp.Node, error) {
	var nodes []*cdp.Node
	if err := f.page.run(ctx, chromedp.Nodes(f.selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("re-resolving frame %q: %w", f.selector, err)
	}
	for _, n := range nodes {
		if n.BackendNodeID == f.backendID {
			f.node = n
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", recaptcha.ErrStaleFrame, f.selector)
}

// inner returns the first element matching selector inside the frame document,
// or nil.
func (f *frame) inner(ctx context.Context, selector string) (*cdp.Node, *cdp.Node, error) {
	host, err := f.refresh(ctx)
	if err != nil {
		return nil, nil, err
	}
	var nodes []*cdp.Node
	err = f.page.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0), chromedp.FromNode(host)))
	if err != nil {
		return host, nil, f.classify(err, selector)
	}
	if len(nodes) == 0 {
		return host, nil, nil
	}
	return host, nodes[0], nil
}

// classify maps a failure after a successful refresh. A frame that vanished in
// between is stale; anything else passes through.
func (f *frame) classify(err error, selector string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	pctx, cancel := context.WithTimeout(context.Background(), staleProbeTimeout)
	defer cancel()
	if _, rerr := f.refresh(pctx); errors.Is(rerr, recaptcha.ErrStaleFrame) {
		return rerr
	}
	return fmt.Errorf("in frame %q, %q: %w", f.selector, selector, err)
}

func (f *frame) Visible(ctx context.Context) (bool, error) {
	host, err := f.refresh(ctx)
	if err != nil {
		return false, err
	}
	return f.isVisible(ctx, host)
}

func (f *frame) ElementVisible(ctx context.Context, selector string) (bool, error) {
	_, el, err := f.inner(ctx, selector)
	if err != nil || el == nil {
		return false, err
	}
	return f.isVisible(ctx, el)
}

func (f *frame) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	_, el, err := f.inner(ctx, selector)
	if err != nil {
		return "", false, err
	}
	if el == nil {
		return "", false, fmt.Errorf("%w: %s in %s", recaptcha.ErrElementNotFound, selector, f.selector)
	}

	var attrs []string
	err = f.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		attrs, err = dom.GetAttributes(el.NodeID).Do(ctx)
		return err
	}))
	if err != nil {
		return "", false, f.classify(err, selector)
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == name {
			return attrs[i+1], true, nil
		}
	}
	return "", false, nil
}

func (f *frame) Click(ctx context.Context, selector string) error {
	host, el, err := f.inner(ctx, selector)
	if err != nil {
		return err
	}
	if el == nil {
		return fmt.Errorf("%w: %s in %s", recaptcha.ErrElementNotFound, selector, f.selector)
	}
	if err := f.page.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.FromNode(host))); err != nil {
		return f.classify(err, selector)
	}
	return nil
}

func (f *frame) Type(ctx context.Context, selector, text string) error {
	host, el, err := f.inner(ctx, selector)
	if err != nil {
		return err
	}
	if el == nil {
		return fmt.Errorf("%w: %s in %s", recaptcha.ErrElementNotFound, selector, f.selector)
	}
	err = f.page.run(ctx,
		chromedp.SetValue(selector, "", chromedp.ByQuery, chromedp.FromNode(host)),
		chromedp.SendKeys(selector, text, chromedp.ByQuery, chromedp.FromNode(host)),
	)
	if err != nil {
		return f.classify(err, selector)
	}
	return nil
}

// isVisible evaluates the visibility check against node.
func (f *frame) isVisible(ctx context.Context, node *cdp.Node) (bool, error) {
	var visible bool
	err := f.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(node.NodeID).Do(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = runtime.ReleaseObject(obj.ObjectID).Do(ctx) }()

		return chromedp.CallFunctionOn(visibleJS, &visible,
			func(p *runtime.CallFunctionOnParams) *runtime.CallFunctionOnParams {
				return p.WithObjectID(obj.ObjectID)
			},
		).Do(ctx)
	}))
	if err != nil {
		return false, f.classify(err, "visibility")
	}
	return visible, nil
}
