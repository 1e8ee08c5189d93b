// internal/browser/traffic_test.go
package browser

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestTrafficMonitor_CountsRequests(t *testing.T) {
	m := newTrafficMonitor(zaptest.NewLogger(t))

	m.handle(&network.EventRequestWillBeSent{RequestID: "1"})
	m.handle(&network.EventRequestWillBeSent{RequestID: "2"})
	m.handle(&network.EventRequestWillBeSent{RequestID: "2"}) // redirect leg
	n, _ := m.pending()
	assert.Equal(t, 2, n)

	m.handle(&network.EventLoadingFinished{RequestID: "1"})
	m.handle(&network.EventLoadingFailed{RequestID: "2"})
	m.handle(&network.EventLoadingFinished{RequestID: "unknown"})
	n, _ = m.pending()
	assert.Zero(t, n)
}

func TestTrafficMonitor_IgnoresOtherEvents(t *testing.T) {
	m := newTrafficMonitor(zaptest.NewLogger(t))
	fixed := time.Unix(1000, 0)
	m.now = func() time.Time { return fixed }
	m.lastActivity = fixed.Add(-time.Hour)

	m.handle(&network.EventDataReceived{RequestID: "1"})
	_, last := m.pending()
	assert.Equal(t, fixed.Add(-time.Hour), last)
}

func TestTrafficMonitor_WaitIdle(t *testing.T) {
	t.Run("returns once quiet", func(t *testing.T) {
		m := newTrafficMonitor(zaptest.NewLogger(t))
		m.handle(&network.EventRequestWillBeSent{RequestID: "1"})
		go func() {
			time.Sleep(30 * time.Millisecond)
			m.handle(&network.EventLoadingFinished{RequestID: "1"})
		}()

		start := time.Now()
		err := m.waitIdle(context.Background(), 40*time.Millisecond)
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	})

	t.Run("busy page hits the deadline", func(t *testing.T) {
		m := newTrafficMonitor(zaptest.NewLogger(t))
		m.handle(&network.EventRequestWillBeSent{RequestID: "long-poll"})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, m.waitIdle(ctx, 10*time.Millisecond), context.DeadlineExceeded)
	})

	t.Run("zero quiet period", func(t *testing.T) {
		m := newTrafficMonitor(zaptest.NewLogger(t))
		m.handle(&network.EventRequestWillBeSent{RequestID: "1"})
		assert.NoError(t, m.waitIdle(context.Background(), 0))
	})
}
