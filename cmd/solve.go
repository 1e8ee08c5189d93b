// cmd/solve.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-recaptcha/internal/browser"
	"github.com/xkilldash9x/scalpel-recaptcha/internal/config"
	"github.com/xkilldash9x/scalpel-recaptcha/internal/network"
	"github.com/xkilldash9x/scalpel-recaptcha/internal/observability"
	"github.com/xkilldash9x/scalpel-recaptcha/internal/transcribe"
	"github.com/xkilldash9x/scalpel-recaptcha/pkg/recaptcha"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	shutdownTimeout = 15 * time.Second
	// idleWaitLimit caps the post-navigation wait for a quiet network.
	idleWaitLimit = 10 * time.Second
)

// Result statuses.
const (
	statusVerified = "verified"
	statusSolved   = "solved"
	statusFailed   = "failed"
)

// target is one browser tab the solver can drive.
type target interface {
	recaptcha.Session
	ID() string
	Navigate(ctx context.Context, url string) error
	WaitNetworkIdle(ctx context.Context, quiet time.Duration) error
	Evaluate(ctx context.Context, expression string, res interface{}) error
	Close()
}

// tabSource hands out tabs from a running browser.
type tabSource interface {
	Open(ctx context.Context) (target, error)
	Shutdown(ctx context.Context) error
}

type managerTabs struct {
	*browser.Manager
}

func (m managerTabs) Open(ctx context.Context) (target, error) {
	p, err := m.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// launchBrowser is swapped out in tests.
var launchBrowser = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (tabSource, error) {
	m, err := browser.NewManager(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return managerTabs{m}, nil
}

// solveResult is reported once per URL.
type solveResult struct {
	URL        string `json:"url"`
	// FinalURL is where the tab landed when the page redirected.
	FinalURL   string `json:"final_url,omitempty"`
	Status     string `json:"status"`
	Challenged bool   `json:"challenged"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func newSolveCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "solve [urls...]",
		Short: "Open each URL in a browser tab and solve the reCAPTCHA widget on it",
		Long: `Launches a browser, opens one tab per URL and drives the reCAPTCHA widget
on each page through its audio challenge. Several URLs are solved concurrently,
up to browser.concurrency tabs at a time.

A target whose widget verifies without a challenge is reported as "verified";
one whose audio challenge was answered and accepted as "solved".`,
		Example: `  scalpel-recaptcha solve https://www.google.com/recaptcha/api2/demo
  RECAPTCHA_TRANSCRIBER_API_KEY=... scalpel-recaptcha solve -o json --concurrency 4 $(cat urls.txt)`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			format := strings.ToLower(output)
			if format != "text" && format != "json" {
				return fmt.Errorf("unsupported output format %q", output)
			}
			return runSolve(cmd.Context(), cfg, args, newResultWriter(cmd.OutOrStdout(), format))
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&output, "output", "o", "text", "result format (text, json)")
	flags.Int("concurrency", 0, "number of tabs solved at the same time")
	flags.Bool("headless", true, "run the browser without a window")
	flags.Int("max-attempts", 0, "audio attempts per widget")
	flags.Duration("solve-timeout", 0, "overall budget per widget")
	flags.String("provider", "", "transcription backend (gemini, whisper)")
	flags.String("model", "", "transcription model name")
	flags.String("endpoint", "", "transcription endpoint URL")
	return cmd
}

// runSolve launches the browser and solves every URL, at most
// cfg.Browser.Concurrency at a time. It fails when any target failed.
func runSolve(ctx context.Context, cfg *config.Config, urls []string, write func(solveResult) error) error {
	logger := observability.GetLogger().Named("solve")

	fetcher, transcriber, err := newCollaborators(cfg, logger)
	if err != nil {
		return err
	}
	solver, err := recaptcha.NewSolver(fetcher, transcriber, solverOptions(cfg.Solver, logger)...)
	if err != nil {
		return err
	}

	tabs, err := launchBrowser(ctx, cfg.Browser, logger)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(browser.Detach(ctx), shutdownTimeout)
		defer cancel()
		if err := tabs.Shutdown(sctx); err != nil {
			logger.Warn("Browser shutdown did not complete cleanly.", zap.Error(err))
		}
	}()

	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Browser.Concurrency)
	for _, u := range urls {
		g.Go(func() error {
			res := solveOne(gctx, tabs, solver, cfg, u, logger)
			mu.Lock()
			defer mu.Unlock()
			if res.Status == statusFailed {
				failed++
			}
			return write(res)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(urls))
	}
	return nil
}

// solveOne drives a single URL in its own tab.
func solveOne(ctx context.Context, tabs tabSource, solver *recaptcha.Solver, cfg *config.Config, url string, logger *zap.Logger) solveResult {
	start := time.Now()
	res := solveResult{URL: url}
	fail := func(err error) solveResult {
		res.Status = statusFailed
		res.Error = err.Error()
		res.DurationMS = time.Since(start).Milliseconds()
		logger.Warn("Target failed.", zap.String("url", url), zap.Error(err))
		return res
	}

	tab, err := tabs.Open(ctx)
	if err != nil {
		return fail(fmt.Errorf("opening tab: %w", err))
	}
	defer tab.Close()
	log := logger.With(zap.String("url", url), zap.String("page_id", tab.ID()))

	if err := tab.Navigate(ctx, url); err != nil {
		return fail(fmt.Errorf("navigating: %w", err))
	}
	if quiet := cfg.Browser.NetworkIdle; quiet > 0 {
		// A page that never goes quiet (polling, analytics) is not an error;
		// the anchor search has its own budget.
		ictx, cancelIdle := context.WithTimeout(ctx, idleWaitLimit)
		if err := tab.WaitNetworkIdle(ictx, quiet); err != nil && ctx.Err() == nil {
			log.Debug("Network did not settle, continuing.", zap.Error(err))
		}
		cancelIdle()
	}
	if err := pause(ctx, cfg.Browser.PostLoadWait); err != nil {
		return fail(err)
	}
	var landed string
	if err := tab.Evaluate(ctx, "location.href", &landed); err != nil {
		log.Debug("Could not read page location.", zap.Error(err))
	} else if landed != url {
		res.FinalURL = landed
		log.Debug("Target redirected.", zap.String("final_url", landed))
	}

	sctx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.Solver.SolveTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, cfg.Solver.SolveTimeout)
	}
	defer cancel()

	challenged, err := solver.Solve(sctx, tab)
	if err != nil {
		return fail(err)
	}
	res.Challenged = challenged
	res.Status = statusVerified
	if challenged {
		res.Status = statusSolved
	}
	res.DurationMS = time.Since(start).Milliseconds()
	log.Info("Target done.", zap.String("status", res.Status), zap.Int64("duration_ms", res.DurationMS))
	return res
}

// newCollaborators builds the audio fetcher and the transcription backend.
// Both share one HTTP client.
func newCollaborators(cfg *config.Config, logger *zap.Logger) (recaptcha.Fetcher, recaptcha.Transcriber, error) {
	clientCfg, err := network.ClientConfigFromNetwork(cfg.Network)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid network configuration: %w", err)
	}
	clientCfg.Logger = logger.Named("httpclient")
	client := network.NewClient(clientCfg)

	ua := cfg.Network.UserAgent
	if ua == "" {
		ua = cfg.Browser.UserAgent
	}
	fetcher := network.NewAudioFetcher(client, ua, cfg.Network.MaxAudioBytes, logger.Named("fetcher"))

	tr, err := transcribe.New(cfg.Transcriber, client.Client, logger.Named("transcriber"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up transcriber: %w", err)
	}
	return fetcher, tr, nil
}

// solverOptions maps the solver section onto engine options.
func solverOptions(cfg config.SolverConfig, logger *zap.Logger) []recaptcha.Option {
	return []recaptcha.Option{
		recaptcha.WithRetryPolicy(recaptcha.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			AttemptTimeout: cfg.AttemptTimeout,
			Delay:          cfg.AttemptDelay,
			Jitter:         cfg.AttemptJitter,
			Multiplier:     cfg.DelayMultiplier,
			MaxDelay:       cfg.MaxAttemptDelay,
		}),
		recaptcha.WithStepTimeouts(recaptcha.StepTimeouts{
			Resource:   cfg.ResourceTimeout,
			Fetch:      cfg.FetchTimeout,
			Transcribe: cfg.TranscribeTimeout,
			Respond:    cfg.RespondTimeout,
		}),
		recaptcha.WithAnchorTimeout(cfg.AnchorTimeout),
		recaptcha.WithChallengeTimeout(cfg.ChallengeTimeout),
		recaptcha.WithVerifyTimeout(cfg.VerifyTimeout),
		recaptcha.WithActionTimeout(cfg.ActionTimeout),
		recaptcha.WithPollInterval(cfg.PollInterval),
		recaptcha.WithLogger(logger),
		recaptcha.WithTrace(cfg.Trace || observability.DebugTracingEnabled()),
	}
}

// newResultWriter renders results as JSON lines or aligned text.
func newResultWriter(w io.Writer, format string) func(solveResult) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		return func(r solveResult) error { return enc.Encode(r) }
	}
	return func(r solveResult) error {
		line := fmt.Sprintf("%-8s %s (%dms)", r.Status, r.URL, r.DurationMS)
		if r.Error != "" {
			line += ": " + r.Error
		}
		_, err := fmt.Fprintln(w, line)
		return err
	}
}

// pause waits d unless ctx ends first.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
