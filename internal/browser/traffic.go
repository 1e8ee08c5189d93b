// internal/browser/traffic.go
package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// trafficMonitor counts the in-flight requests of one tab so callers can wait
// for the widget scripts to finish loading.
type trafficMonitor struct {
	logger *zap.Logger

	mu           sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
	now          func() time.Time
}

func newTrafficMonitor(logger *zap.Logger) *trafficMonitor {
	return &trafficMonitor{
		logger:       logger.Named("traffic"),
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: time.Now(),
		now:          time.Now,
	}
}

// attach subscribes to the network events of the tab behind tabCtx. The
// listener is dropped when tabCtx ends. The network domain must be enabled.
func (t *trafficMonitor) attach(tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, t.handle)
}

func (t *trafficMonitor) handle(ev interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		// Redirects reuse the request ID, so the map entry simply stays.
		t.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(t.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(t.inflight, e.RequestID)
	default:
		return
	}
	t.lastActivity = t.now()
}

// pending returns the number of in-flight requests and the time of the last
// request event.
func (t *trafficMonitor) pending() (int, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight), t.lastActivity
}

// waitIdle returns once no request has been in flight for quiet.
func (t *trafficMonitor) waitIdle(ctx context.Context, quiet time.Duration) error {
	if quiet <= 0 {
		return nil
	}
	ticker := time.NewTicker(quiet / 4)
	defer ticker.Stop()

	for {
		n, last := t.pending()
		if n == 0 && t.now().Sub(last) >= quiet {
			return nil
		}
		select {
		case <-ctx.Done():
			t.logger.Debug("Network idle wait aborted.", zap.Int("inflight_requests", n), zap.Error(ctx.Err()))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
