// pkg/recaptcha/retry.go
package recaptcha

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Phase is a state of the retry controller.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseProbing
	PhaseSolving
	PhaseVerifying
	PhaseSuccess
	PhaseExhausted
	PhaseFatal
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseProbing:
		return "Probing"
	case PhaseSolving:
		return "Solving"
	case PhaseVerifying:
		return "Verifying"
	case PhaseSuccess:
		return "Success"
	case PhaseExhausted:
		return "Exhausted"
	case PhaseFatal:
		return "Fatal"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// controller runs the Init, Probing, Solving, Verifying loop for one Solve
// call. It is not safe for concurrent use and is discarded afterwards.
type controller struct {
	session    Session
	locator    *Locator
	classifier *Classifier
	pipeline   *Pipeline
	opts       Options
	logger     *zap.Logger
	rng        *rand.Rand

	variant   FrameVariant
	anchor    Frame
	challenge Frame

	attempts  int
	lastErr   error
	presented bool
	// history holds every attempt; the last one stays open until Verifying
	// records its verdict.
	history []*ChallengeAttempt
}

func newController(s *Solver, session Session, anchor *Located, logger *zap.Logger) *controller {
	return &controller{
		session:    session,
		locator:    s.locator,
		classifier: s.classifier,
		pipeline:   s.pipeline,
		opts:       s.opts,
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		variant:    anchor.Variant,
		anchor:     anchor.Frame,
	}
}

// run drives the state machine from start until a terminal phase. The
// boolean reports whether a challenge was presented and solved.
func (c *controller) run(ctx context.Context, start Phase) (bool, error) {
	phase := start
	for {
		if err := ctx.Err(); err != nil {
			return false, c.interrupted(phase, err)
		}
		c.trace(phase)

		var err error
		switch phase {
		case PhaseInit:
			phase, err = c.init(ctx)
		case PhaseProbing:
			phase, err = c.probe(ctx)
		case PhaseSolving:
			phase, err = c.solve(ctx)
		case PhaseVerifying:
			phase, err = c.verify(ctx)
		case PhaseSuccess:
			return c.presented, nil
		case PhaseExhausted:
			return false, &ExhaustedError{Attempts: c.attempts, Last: c.lastErr}
		default:
			return false, fatalf("controller reached unknown phase %v", phase)
		}

		if err != nil {
			if ctx.Err() != nil {
				return false, c.interrupted(phase, ctx.Err())
			}
			c.trace(PhaseFatal, zap.Error(err))
			return false, err
		}
	}
}

// init clicks the checkbox exactly once.
func (c *controller) init(ctx context.Context) (Phase, error) {
	if c.variant.Invisible {
		return PhaseProbing, nil
	}
	actx, cancel := context.WithTimeout(ctx, c.opts.ActionTimeout)
	defer cancel()
	if err := c.anchor.Click(actx, CheckboxSelector); err != nil {
		return PhaseFatal, fatalf("clicking checkbox: %v", err)
	}
	return PhaseProbing, nil
}

// probe waits for the challenge overlay. Its absence is only a success when
// the checkbox now reads checked.
func (c *controller) probe(ctx context.Context) (Phase, error) {
	frame, err := c.locator.LocateChallengeFrame(ctx, c.session, c.opts.ChallengeTimeout)
	if err != nil {
		return PhaseFatal, err
	}
	if frame != nil {
		c.challenge = frame
		c.presented = true
		return PhaseSolving, nil
	}

	state, _, err := c.classifyNow(ctx)
	if err != nil {
		return PhaseFatal, err
	}
	switch state {
	case AlreadyVerified, ChallengeAccepted:
		return PhaseSuccess, nil
	case ChallengeBlocked:
		return PhaseFatal, ErrBlocked
	case NotFound:
		return PhaseFatal, fatalf("anchor frame vanished after checkbox click")
	default:
		return PhaseFatal, fatalf("no challenge appeared and widget is %v", state)
	}
}

// solve runs one pipeline attempt, pausing first when it is not the first.
func (c *controller) solve(ctx context.Context) (Phase, error) {
	if c.attempts > 0 {
		d := c.opts.Retry.Backoff(c.attempts, c.rng)
		c.logger.Debug("Waiting before next attempt.", zap.Duration("delay", d), zap.Int("completed", c.attempts))
		if err := sleep(ctx, d); err != nil {
			return PhaseFatal, err
		}
	}
	if c.challenge == nil {
		frame, err := c.locator.ResolveChallenge(ctx, c.session)
		if err != nil {
			return PhaseFatal, err
		}
		if frame == nil {
			return PhaseFatal, fatalf("challenge frame detached before attempt %d", c.attempts+1)
		}
		c.challenge = frame
	}

	c.attempts++
	actx, cancel := context.WithTimeout(ctx, c.opts.Retry.AttemptTimeout)
	attempt := c.pipeline.Attempt(actx, c.challenge, c.attempts)
	attemptExpired := errors.Is(actx.Err(), context.DeadlineExceeded)
	cancel()
	c.history = append(c.history, attempt)

	if ctx.Err() != nil {
		return PhaseFatal, ctx.Err()
	}
	if attempt.Outcome != OutcomeError {
		return PhaseVerifying, nil
	}

	err := attempt.Err
	if attemptExpired && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: attempt exceeded %v: %w", ErrTimeout, c.opts.Retry.AttemptTimeout, err)
	}
	attempt.Err = err
	c.lastErr = err
	c.logger.Info("Audio attempt failed.", zap.Int("attempt", c.attempts), zap.Error(err))

	switch {
	case errors.Is(err, ErrFatalState):
		return PhaseFatal, err
	case errors.Is(err, ErrStaleFrame):
		// The overlay went away under us; verifying tells success from loss.
		c.challenge = nil
		return PhaseVerifying, nil
	}
	return c.settle(ctx)
}

// settle reclassifies the widget after a failed attempt. A widget that
// vanished while the pipeline failed is fatal, never a spent attempt, and the
// next attempt works on freshly resolved frames.
func (c *controller) settle(ctx context.Context) (Phase, error) {
	state, obs, err := c.classifyNow(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return PhaseFatal, ctx.Err()
		}
		c.logger.Debug("Widget could not be classified after failed attempt.", zap.Int("attempt", c.attempts), zap.Error(err))
		c.challenge = nil
		return c.next(), nil
	}
	switch state {
	case NotFound:
		return PhaseFatal, fatalf("anchor frame vanished during attempt %d: %v", c.attempts, c.lastErr)
	case ChallengeBlocked:
		return PhaseFatal, ErrBlocked
	case ChallengeAccepted, AlreadyVerified:
		c.logger.Info("Widget verified despite failed attempt.", zap.Int("attempt", c.attempts))
		return PhaseSuccess, nil
	case CheckboxUnchecked:
		if !obs.ChallengeFound {
			return PhaseFatal, fatalf("challenge frame disappeared during attempt %d: %v", c.attempts, c.lastErr)
		}
	}
	return c.next(), nil
}

// verify polls classification until a verdict shows up or the window closes.
func (c *controller) verify(ctx context.Context) (Phase, error) {
	vctx, cancel := context.WithTimeout(ctx, c.opts.VerifyTimeout)
	defer cancel()

	var (
		last     = ChallengePresented
		observed bool
		pollErr  error
	)
	for {
		state, obs, err := c.classifyNow(vctx)
		if err != nil && ctx.Err() != nil {
			return PhaseFatal, err
		}
		if err != nil && vctx.Err() == nil {
			pollErr = err
			c.logger.Debug("Verdict poll failed.", zap.Int("attempt", c.attempts), zap.Error(err))
		}
		if err == nil {
			observed = true
			last = state
			switch state {
			case ChallengeAccepted, AlreadyVerified:
				c.record(OutcomeAccepted)
				c.logger.Info("Challenge accepted.", zap.Int("attempt", c.attempts))
				return PhaseSuccess, nil
			case ChallengeRejected:
				c.record(OutcomeRejected)
				c.lastErr = fmt.Errorf("attempt %d: %w", c.attempts, errChallengeRejected)
				c.logger.Info("Challenge answer rejected.", zap.Int("attempt", c.attempts))
				return c.next(), nil
			case ChallengeBlocked:
				return PhaseFatal, ErrBlocked
			case NotFound:
				return PhaseFatal, fatalf("anchor frame vanished while verifying attempt %d", c.attempts)
			case CheckboxUnchecked:
				if !obs.ChallengeFound {
					return PhaseFatal, fatalf("challenge frame disappeared while verifying attempt %d", c.attempts)
				}
			}
		}

		if err := sleep(vctx, c.opts.PollInterval); err != nil {
			break
		}
	}

	if ctx.Err() != nil {
		return PhaseFatal, ctx.Err()
	}
	if !observed && pollErr != nil {
		return PhaseFatal, fmt.Errorf("%w: widget could not be classified after attempt %d: %w", ErrFatalState, c.attempts, pollErr)
	}
	if last == CheckboxUnchecked {
		return PhaseFatal, fatalf("challenge was dismissed without a verdict after attempt %d", c.attempts)
	}
	// Still presenting a challenge with no error shown: the widget wants
	// another round. It is paid for out of the same budget.
	c.record(OutcomeRejected)
	c.lastErr = fmt.Errorf("attempt %d: %w", c.attempts, errChallengeUnanswered)
	if pollErr != nil {
		c.lastErr = fmt.Errorf("attempt %d: %w (last poll error: %w)", c.attempts, errChallengeUnanswered, pollErr)
	}
	c.logger.Info("Widget presented another challenge.", zap.Int("attempt", c.attempts))
	return c.next(), nil
}

// record sets the verdict on the open attempt. Attempts that already failed
// keep their error outcome.
func (c *controller) record(o Outcome) {
	if n := len(c.history); n > 0 && c.history[n-1].Outcome == OutcomeSubmitted {
		c.history[n-1].Outcome = o
	}
}

// classifyNow re-resolves both frames and classifies them. Handles obtained
// before the last page mutation are never reused for this.
func (c *controller) classifyNow(ctx context.Context) (WidgetState, Observation, error) {
	actx, cancel := context.WithTimeout(ctx, c.opts.ActionTimeout)
	defer cancel()

	anchor, err := c.locator.ResolveAnchor(actx, c.session, c.variant)
	if err != nil {
		return NotFound, Observation{}, err
	}
	challenge, err := c.locator.ResolveChallenge(actx, c.session)
	if err != nil {
		return NotFound, Observation{}, err
	}
	c.anchor = anchor
	c.challenge = challenge
	return c.classifier.Classify(actx, anchor, challenge)
}

// next picks Solving while budget remains.
func (c *controller) next() Phase {
	if c.attempts >= c.opts.Retry.MaxAttempts {
		return PhaseExhausted
	}
	return PhaseSolving
}

func (c *controller) interrupted(phase Phase, cause error) error {
	return fmt.Errorf("%w: solve interrupted during %v after %d attempt(s): %w", ErrTimeout, phase, c.attempts, cause)
}

func (c *controller) trace(phase Phase, fields ...zap.Field) {
	fields = append(fields, zap.Stringer("phase", phase), zap.Int("attempts", c.attempts))
	if c.opts.Trace {
		c.logger.Info("Phase transition.", fields...)
		return
	}
	c.logger.Debug("Phase transition.", fields...)
}
