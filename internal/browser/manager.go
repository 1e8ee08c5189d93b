// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recaptcha/internal/browser/persona"
	"github.com/xkilldash9x/scalpel-recaptcha/internal/config"
)

// launchTimeout bounds the liveness check after the browser process starts.
const launchTimeout = 30 * time.Second

// ErrManagerClosed is returned by NewPage after Shutdown.
var ErrManagerClosed = errors.New("browser: manager is shut down")

// Manager owns one Chrome process and hands out tabs from it.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
	// wg tracks open pages for a graceful shutdown.
	wg sync.WaitGroup
}

// NewManager launches the browser and verifies it responds. ctx only bounds
// the launch; the process lives until Shutdown.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
	}

	m.logger.Info("Initializing browser allocator...",
		zap.Bool("headless", cfg.Headless),
		zap.Bool("site_isolation", cfg.KeepSiteIsolation),
	)
	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(context.Background(), AllocatorOptions(cfg)...)
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Debugf),
	)

	launchCtx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	err := startOn(launchCtx, m.browserCtx, m.browserCancel, func(browserCtx context.Context) error {
		return chromedp.Run(browserCtx, chromedp.Navigate("about:blank"))
	})
	if err != nil {
		m.browserCancel()
		m.allocatorCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.logger.Info("Browser launched successfully and is responsive.")
	return m, nil
}

// NewPage opens a new tab in the shared browser.
func (m *Manager) NewPage(ctx context.Context) (*Page, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(m.browserCtx)

	// Registered before the target exists so no early request is missed.
	traffic := newTrafficMonitor(m.logger)
	traffic.attach(tabCtx)

	actions := []chromedp.Action{network.Enable()}
	if m.cfg.WindowWidth > 0 && m.cfg.WindowHeight > 0 {
		actions = append(actions, chromedp.EmulateViewport(int64(m.cfg.WindowWidth), int64(m.cfg.WindowHeight)))
	}
	if p := PersonaFromConfig(m.cfg); !p.Empty() {
		actions = append(actions, persona.Apply(p, m.logger))
	}

	// The first Run on a fresh context creates the target.
	err := startOn(ctx, tabCtx, cancel, func(tabCtx context.Context) error {
		return chromedp.Run(tabCtx, actions...)
	})
	if err != nil {
		cancel()
		m.wg.Done()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	p := newPage(tabCtx, cancel, m.cfg.NavigationTimeout, m.logger, m.wg.Done)
	p.traffic = traffic
	m.logger.Debug("Tab opened.", zap.String("page_id", p.ID()))
	return p, nil
}

// startOn runs start on owner, the context whose first chromedp.Run allocates
// the browser or creates the target. chromedp ties the process and the target
// event loop to that context, so it must outlive this call. ctx only bounds the
// start: when it ends first, abort tears owner down.
func startOn(ctx, owner context.Context, abort context.CancelFunc, start func(context.Context) error) error {
	stop := context.AfterFunc(ctx, abort)
	err := start(owner)
	if !stop() {
		// abort already ran; whatever start returned, owner is gone.
		if err == nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

// PersonaFromConfig derives the regional persona for new tabs. The user agent
// is already set on the command line and is not repeated here.
func PersonaFromConfig(cfg config.BrowserConfig) persona.Persona {
	return persona.Persona{
		Platform:  cfg.Platform,
		Languages: cfg.Languages,
		Timezone:  cfg.Timezone,
		Locale:    cfg.Locale,
	}
}

// Shutdown waits for open pages to close, or for ctx to end, and then
// terminates the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("Browser manager shutdown initiated. Waiting for open pages to close...")
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		m.logger.Info("All pages have closed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
		err = ctx.Err()
	}

	// Closing the browser context asks Chrome to exit cleanly before the
	// allocator kills the process.
	m.browserCancel()
	m.allocatorCancel()
	<-m.allocatorCtx.Done()
	return err
}
