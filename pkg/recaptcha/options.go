// pkg/recaptcha/options.go
package recaptcha

import (
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Default budgets. They are tuned for the public widget over a residential
// connection; slower transcription backends should raise the step timeouts.
const (
	DefaultMaxAttempts      = 3
	DefaultAttemptTimeout   = 45 * time.Second
	DefaultAttemptDelay     = 1 * time.Second
	DefaultAttemptJitter    = 1500 * time.Millisecond
	DefaultDelayMultiplier  = 1.5
	DefaultMaxAttemptDelay  = 10 * time.Second
	DefaultAnchorTimeout    = 10 * time.Second
	DefaultChallengeTimeout = 5 * time.Second
	DefaultVerifyTimeout    = 5 * time.Second
	DefaultPollInterval     = 250 * time.Millisecond
	DefaultActionTimeout    = 10 * time.Second
)

// RetryPolicy bounds the Solving/Verifying loop. It is copied by value into
// each Solve call and never changes while the call runs.
type RetryPolicy struct {
	// MaxAttempts is a hard ceiling on pipeline invocations.
	MaxAttempts int
	// AttemptTimeout caps one full fetch, transcribe, submit cycle.
	AttemptTimeout time.Duration
	// Delay is the pause before the second attempt.
	Delay time.Duration
	// Jitter adds a uniformly random extra pause in [0, Jitter).
	Jitter time.Duration
	// Multiplier grows Delay for every further attempt. Values below 1 are
	// treated as 1.
	Multiplier float64
	// MaxDelay caps the grown delay before jitter is added. Zero disables it.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		AttemptTimeout: DefaultAttemptTimeout,
		Delay:          DefaultAttemptDelay,
		Jitter:         DefaultAttemptJitter,
		Multiplier:     DefaultDelayMultiplier,
		MaxDelay:       DefaultMaxAttemptDelay,
	}
}

// Backoff returns the pause that precedes attempt number completed+1.
func (p RetryPolicy) Backoff(completed int, rng *rand.Rand) time.Duration {
	if completed < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	// Clamp in float space: converting an out-of-range float to Duration is
	// implementation-defined.
	var d time.Duration
	if p.Delay > 0 {
		d = time.Duration(math.MaxInt64)
		if f := float64(p.Delay) * math.Pow(mult, float64(completed-1)); f < float64(d) {
			d = time.Duration(f)
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && rng != nil && d <= time.Duration(math.MaxInt64)-p.Jitter {
		d += time.Duration(rng.Int63n(int64(p.Jitter)))
	}
	return d
}

// StepTimeouts are the per-step slices of one attempt. Each slice is further
// bounded by whatever remains of RetryPolicy.AttemptTimeout.
type StepTimeouts struct {
	Resource   time.Duration
	Fetch      time.Duration
	Transcribe time.Duration
	Respond    time.Duration
}

// DefaultStepTimeouts returns the default per-step budgets.
func DefaultStepTimeouts() StepTimeouts {
	return StepTimeouts{
		Resource:   10 * time.Second,
		Fetch:      15 * time.Second,
		Transcribe: 30 * time.Second,
		Respond:    DefaultActionTimeout,
	}
}

// Options configure a Solver.
type Options struct {
	Retry RetryPolicy
	Steps StepTimeouts

	// AnchorTimeout bounds the search for the anchor frame.
	AnchorTimeout time.Duration
	// ChallengeTimeout is the probing window after the checkbox click.
	ChallengeTimeout time.Duration
	// VerifyTimeout is how long the engine waits for a verdict after submit.
	VerifyTimeout time.Duration
	// ActionTimeout caps single clicks and attribute reads outside the pipeline.
	ActionTimeout time.Duration
	// PollInterval spaces out repeated probes.
	PollInterval time.Duration

	Logger *zap.Logger
	// Trace logs every phase transition at info level.
	Trace bool
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns the defaults used by NewSolver.
func DefaultOptions() Options {
	return Options{
		Retry:            DefaultRetryPolicy(),
		Steps:            DefaultStepTimeouts(),
		AnchorTimeout:    DefaultAnchorTimeout,
		ChallengeTimeout: DefaultChallengeTimeout,
		VerifyTimeout:    DefaultVerifyTimeout,
		ActionTimeout:    DefaultActionTimeout,
		PollInterval:     DefaultPollInterval,
	}
}

func WithRetryPolicy(p RetryPolicy) Option { return func(o *Options) { o.Retry = p } }

func WithMaxAttempts(n int) Option { return func(o *Options) { o.Retry.MaxAttempts = n } }

func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Options) { o.Retry.AttemptTimeout = d }
}

func WithStepTimeouts(s StepTimeouts) Option { return func(o *Options) { o.Steps = s } }

func WithAnchorTimeout(d time.Duration) Option { return func(o *Options) { o.AnchorTimeout = d } }

func WithChallengeTimeout(d time.Duration) Option {
	return func(o *Options) { o.ChallengeTimeout = d }
}

func WithVerifyTimeout(d time.Duration) Option { return func(o *Options) { o.VerifyTimeout = d } }

func WithActionTimeout(d time.Duration) Option { return func(o *Options) { o.ActionTimeout = d } }

func WithPollInterval(d time.Duration) Option { return func(o *Options) { o.PollInterval = d } }

func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }

func WithTrace(enabled bool) Option { return func(o *Options) { o.Trace = enabled } }

// normalize fills zero values with defaults so a partially populated Options
// value is always usable.
func (o *Options) normalize() {
	def := DefaultOptions()
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if o.Retry.AttemptTimeout <= 0 {
		o.Retry.AttemptTimeout = def.Retry.AttemptTimeout
	}
	if o.Retry.Delay < 0 {
		o.Retry.Delay = 0
	}
	if o.Retry.Jitter < 0 {
		o.Retry.Jitter = 0
	}
	if o.Steps.Resource <= 0 {
		o.Steps.Resource = def.Steps.Resource
	}
	if o.Steps.Fetch <= 0 {
		o.Steps.Fetch = def.Steps.Fetch
	}
	if o.Steps.Transcribe <= 0 {
		o.Steps.Transcribe = def.Steps.Transcribe
	}
	if o.Steps.Respond <= 0 {
		o.Steps.Respond = def.Steps.Respond
	}
	if o.AnchorTimeout <= 0 {
		o.AnchorTimeout = def.AnchorTimeout
	}
	if o.ChallengeTimeout <= 0 {
		o.ChallengeTimeout = def.ChallengeTimeout
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = def.VerifyTimeout
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = def.ActionTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
}
