// pkg/recaptcha/solve.go
package recaptcha

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recaptcha/internal/observability"
)

// Solver composes the locator, classifier, pipeline and retry controller. A
// Solver is safe for concurrent use as long as every call gets its own
// Session.
type Solver struct {
	opts       Options
	logger     *zap.Logger
	locator    *Locator
	classifier *Classifier
	pipeline   *Pipeline
}

// NewSolver builds a Solver around the given collaborators.
func NewSolver(fetcher Fetcher, transcriber Transcriber, opts ...Option) (*Solver, error) {
	if fetcher == nil {
		return nil, errors.New("recaptcha: fetcher must not be nil")
	}
	if transcriber == nil {
		return nil, errors.New("recaptcha: transcriber must not be nil")
	}

	o := DefaultOptions()
	o.Trace = observability.DebugTracingEnabled()
	for _, opt := range opts {
		opt(&o)
	}
	o.normalize()

	logger := o.Logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger = logger.Named("recaptcha")

	return &Solver{
		opts:       o,
		logger:     logger,
		locator:    NewLocator(o.PollInterval, logger.Named("locator")),
		classifier: NewClassifier(logger.Named("classifier")),
		pipeline:   NewPipeline(fetcher, transcriber, o.Steps, o.PollInterval, logger.Named("pipeline")),
	}, nil
}

// Options returns the effective options after defaults were applied.
func (s *Solver) Options() Options { return s.opts }

// Solve completes the widget in session. It returns false when no challenge
// was ever presented and true when one was presented and accepted. Failure to
// find the widget is ErrNotFound; exhausting the budget is an *ExhaustedError;
// structural failures wrap ErrFatalState; caller cancellation wraps ErrTimeout.
func (s *Solver) Solve(ctx context.Context, session Session) (bool, error) {
	if session == nil {
		return false, errors.New("recaptcha: session must not be nil")
	}
	logger := s.logger.With(zap.String("solve_id", uuid.NewString()))

	located, err := s.locator.LocateAnchorFrame(ctx, session, s.opts.AnchorTimeout)
	if err != nil {
		logger.Debug("Anchor frame lookup failed.", zap.Error(err))
		return false, err
	}

	ctrl := newController(s, session, located, logger)
	state, _, err := ctrl.classifyNow(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctrl.interrupted(PhaseInit, ctx.Err())
		}
		return false, fmt.Errorf("%w: initial classification: %w", ErrFatalState, err)
	}
	logger.Debug("Initial widget state.", zap.Stringer("state", state), zap.String("variant", located.Variant.Name))

	start := PhaseInit
	switch state {
	case AlreadyVerified, ChallengeAccepted:
		return false, nil
	case ChallengeBlocked:
		return false, ErrBlocked
	case NotFound:
		return false, fmt.Errorf("%w: anchor frame detached before first action", ErrNotFound)
	case ChallengePresented, ChallengeRejected:
		// Already up, typically an invisible variant whose trigger fired.
		start = PhaseProbing
	}

	solved, err := ctrl.run(ctx, start)
	if err != nil {
		logger.Warn("Solve failed.", zap.Int("attempts", ctrl.attempts), zap.Error(err))
		return false, err
	}
	logger.Info("Solve finished.", zap.Bool("challenge_solved", solved), zap.Int("attempts", ctrl.attempts))
	return solved, nil
}

// Solve is a convenience wrapper that builds a Solver for a single call.
func Solve(ctx context.Context, session Session, fetcher Fetcher, transcriber Transcriber, opts ...Option) (bool, error) {
	s, err := NewSolver(fetcher, transcriber, opts...)
	if err != nil {
		return false, err
	}
	return s.Solve(ctx, session)
}
