// cmd/solve_test.go
package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-recaptcha/internal/config"
	"github.com/xkilldash9x/scalpel-recaptcha/pkg/recaptcha"
)

// verifiedFrame is an anchor whose checkbox already reads checked.
type verifiedFrame struct{}

func (verifiedFrame) Selector() string                                   { return recaptcha.AnchorFrameSelector }
func (verifiedFrame) Visible(context.Context) (bool, error)              { return true, nil }
func (verifiedFrame) ElementVisible(context.Context, string) (bool, error) { return false, nil }
func (verifiedFrame) Click(context.Context, string) error                { return nil }
func (verifiedFrame) Type(context.Context, string, string) error         { return nil }

func (verifiedFrame) Attribute(_ context.Context, sel, name string) (string, bool, error) {
	if sel == recaptcha.CheckboxSelector && name == "aria-checked" {
		return "true", true, nil
	}
	return "", false, recaptcha.ErrElementNotFound
}

// fakeTab serves a verified widget for URLs containing "verified" and no
// widget at all otherwise.
type fakeTab struct {
	id     string
	owner  *fakeTabs
	url    string
	closed bool
	idled  bool
}

func (t *fakeTab) ID() string { return t.id }

func (t *fakeTab) Navigate(ctx context.Context, url string) error {
	if strings.Contains(url, "unreachable") {
		return errors.New("net::ERR_NAME_NOT_RESOLVED")
	}
	t.url = url
	// Give concurrent tabs a chance to overlap.
	return pause(ctx, 20*time.Millisecond)
}

func (t *fakeTab) WaitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	t.idled = true
	if strings.Contains(t.url, "busy") {
		return context.DeadlineExceeded
	}
	return ctx.Err()
}

func (t *fakeTab) Evaluate(ctx context.Context, expression string, res interface{}) error {
	if expression != "location.href" {
		return fmt.Errorf("unexpected expression %q", expression)
	}
	href := t.url
	if strings.Contains(href, "redirect") {
		href += "/landing"
	}
	*res.(*string) = href
	return ctx.Err()
}

func (t *fakeTab) QueryFrame(ctx context.Context, selector string) (recaptcha.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.Contains(t.url, "verified") && selector == recaptcha.AnchorVariants[0].Selector {
		return verifiedFrame{}, nil
	}
	return nil, nil
}

func (t *fakeTab) Close() {
	t.closed = true
	t.owner.open.Add(-1)
}

type fakeTabs struct {
	mu       sync.Mutex
	tabs     []*fakeTab
	open     atomic.Int32
	peak     atomic.Int32
	shutdown bool
}

func (f *fakeTabs) Open(ctx context.Context) (target, error) {
	n := f.open.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tab := &fakeTab{id: "tab-" + string(rune('a'+len(f.tabs))), owner: f}
	f.tabs = append(f.tabs, tab)
	return tab, nil
}

func (f *fakeTabs) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

// useFakeBrowser replaces launchBrowser for the duration of the test.
func useFakeBrowser(t *testing.T, tabs tabSource, err error) {
	t.Helper()
	orig := launchBrowser
	launchBrowser = func(context.Context, config.BrowserConfig, *zap.Logger) (tabSource, error) {
		if err != nil {
			return nil, err
		}
		return tabs, nil
	}
	t.Cleanup(func() { launchBrowser = orig })
}

func newSolveTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Transcriber.Provider = config.ProviderWhisper
	cfg.Transcriber.Endpoint = "http://127.0.0.1:9/v1/audio/transcriptions"
	cfg.Browser.Concurrency = 2
	cfg.Browser.PostLoadWait = 0
	cfg.Solver.AnchorTimeout = 50 * time.Millisecond
	cfg.Solver.PollInterval = 5 * time.Millisecond
	return cfg
}

func decodeResults(t *testing.T, out string) []solveResult {
	t.Helper()
	var results []solveResult
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var r solveResult
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].URL < results[j].URL })
	return results
}

func TestRunSolve(t *testing.T) {
	resetForTest(t)
	tabs := &fakeTabs{}
	useFakeBrowser(t, tabs, nil)

	urls := []string{
		"https://a.example/verified",
		"https://b.example/verified",
		"https://c.example/no-widget",
		"https://d.example/unreachable",
	}
	var out bytes.Buffer
	err := runSolve(context.Background(), newSolveTestConfig(), urls, newResultWriter(&out, "json"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 4 targets failed")

	results := decodeResults(t, out.String())
	require.Len(t, results, 4)
	assert.Equal(t, statusVerified, results[0].Status)
	assert.False(t, results[0].Challenged)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, statusVerified, results[1].Status)
	assert.Equal(t, statusFailed, results[2].Status)
	assert.Contains(t, results[2].Error, "anchor frame not found")
	assert.Equal(t, statusFailed, results[3].Status)
	assert.Contains(t, results[3].Error, "navigating")

	assert.True(t, tabs.shutdown)
	assert.Len(t, tabs.tabs, 4, "one tab per URL")
	for _, tab := range tabs.tabs {
		assert.True(t, tab.closed)
	}
	assert.LessOrEqual(t, tabs.peak.Load(), int32(2), "never more tabs than the concurrency limit")
	assert.Zero(t, tabs.open.Load())
}

func TestRunSolve_AllVerified(t *testing.T) {
	resetForTest(t)
	useFakeBrowser(t, &fakeTabs{}, nil)

	var out bytes.Buffer
	err := runSolve(context.Background(), newSolveTestConfig(), []string{"https://x.example/verified"}, newResultWriter(&out, "text"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.String(), "verified https://x.example/verified ("))
}

func TestRunSolve_RecordsRedirect(t *testing.T) {
	resetForTest(t)
	useFakeBrowser(t, &fakeTabs{}, nil)

	var out bytes.Buffer
	urls := []string{"https://a.example/redirect/verified", "https://b.example/verified"}
	require.NoError(t, runSolve(context.Background(), newSolveTestConfig(), urls, newResultWriter(&out, "json")))

	byURL := make(map[string]solveResult)
	for _, r := range decodeResults(t, out.String()) {
		byURL[r.URL] = r
	}
	assert.Equal(t, "https://a.example/redirect/verified/landing", byURL[urls[0]].FinalURL)
	assert.Empty(t, byURL[urls[1]].FinalURL, "no redirect, no final URL")
}

func TestRunSolve_BusyNetworkIsNotFatal(t *testing.T) {
	resetForTest(t)
	tabs := &fakeTabs{}
	useFakeBrowser(t, tabs, nil)

	var out bytes.Buffer
	err := runSolve(context.Background(), newSolveTestConfig(), []string{"https://busy.example/verified"}, newResultWriter(&out, "json"))
	require.NoError(t, err)

	results := decodeResults(t, out.String())
	require.Len(t, results, 1)
	assert.Equal(t, statusVerified, results[0].Status)
	require.Len(t, tabs.tabs, 1)
	assert.True(t, tabs.tabs[0].idled)
}

func TestRunSolve_SkipsIdleWaitWhenDisabled(t *testing.T) {
	resetForTest(t)
	tabs := &fakeTabs{}
	useFakeBrowser(t, tabs, nil)
	cfg := newSolveTestConfig()
	cfg.Browser.NetworkIdle = 0

	require.NoError(t, runSolve(context.Background(), cfg, []string{"https://x.example/verified"}, newResultWriter(&bytes.Buffer{}, "text")))
	require.Len(t, tabs.tabs, 1)
	assert.False(t, tabs.tabs[0].idled)
}

func TestRunSolve_LaunchFailure(t *testing.T) {
	resetForTest(t)
	useFakeBrowser(t, nil, errors.New("chrome not found"))

	err := runSolve(context.Background(), newSolveTestConfig(), []string{"https://x.example"}, newResultWriter(&bytes.Buffer{}, "text"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to launch browser")
}

func TestRunSolve_BadTranscriberConfig(t *testing.T) {
	resetForTest(t)
	tabs := &fakeTabs{}
	useFakeBrowser(t, tabs, nil)
	cfg := newSolveTestConfig()
	cfg.Network.ProxyURL = "://bad"

	err := runSolve(context.Background(), cfg, []string{"https://x.example"}, newResultWriter(&bytes.Buffer{}, "text"))
	require.Error(t, err)
	assert.False(t, tabs.shutdown, "the browser is not launched when setup fails")
}

func TestSolveCmd(t *testing.T) {
	resetForTest(t)
	useFakeBrowser(t, &fakeTabs{}, nil)

	out, err := execute(t, "--config", writeConfig(t, quietConfig), "solve", "-o", "json", "https://x.example/verified")
	require.NoError(t, err)
	results := decodeResults(t, out)
	require.Len(t, results, 1)
	assert.Equal(t, statusVerified, results[0].Status)

	_, err = execute(t, "--config", writeConfig(t, quietConfig), "solve", "-o", "xml", "https://x.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")

	_, err = execute(t, "--config", writeConfig(t, quietConfig), "solve")
	assert.Error(t, err, "at least one URL is required")
}

func TestSolverOptions(t *testing.T) {
	resetForTest(t)
	cfg := config.NewDefaultConfig().Solver
	cfg.MaxAttempts = 4
	cfg.AttemptTimeout = 20 * time.Second
	cfg.FetchTimeout = 3 * time.Second

	s, err := recaptcha.NewSolver(
		recaptcha.FetcherFunc(func(context.Context, string) ([]byte, error) { return nil, nil }),
		recaptcha.TranscriberFunc(func(context.Context, []byte, string) (string, error) { return "", nil }),
		solverOptions(cfg, zaptest.NewLogger(t))...,
	)
	require.NoError(t, err)

	want := recaptcha.Options{
		Retry: recaptcha.RetryPolicy{
			MaxAttempts:    4,
			AttemptTimeout: 20 * time.Second,
			Delay:          time.Second,
			Jitter:         1500 * time.Millisecond,
			Multiplier:     1.5,
			MaxDelay:       10 * time.Second,
		},
		Steps: recaptcha.StepTimeouts{
			Resource:   10 * time.Second,
			Fetch:      3 * time.Second,
			Transcribe: 30 * time.Second,
			Respond:    10 * time.Second,
		},
		AnchorTimeout:    10 * time.Second,
		ChallengeTimeout: 5 * time.Second,
		VerifyTimeout:    5 * time.Second,
		ActionTimeout:    10 * time.Second,
		PollInterval:     250 * time.Millisecond,
	}
	if diff := cmp.Diff(want, s.Options(), cmpopts.IgnoreFields(recaptcha.Options{}, "Logger")); diff != "" {
		t.Errorf("solver options mismatch (-want +got):\n%s", diff)
	}
}

func TestNewCollaborators(t *testing.T) {
	resetForTest(t)
	cfg := newSolveTestConfig()
	cfg.Transcriber.RateLimit = 0
	fetcher, transcriber, err := newCollaborators(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NotNil(t, fetcher)
	assert.NotNil(t, transcriber)

	cfg.Transcriber.Provider = "carrier-pigeon"
	_, _, err = newCollaborators(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
