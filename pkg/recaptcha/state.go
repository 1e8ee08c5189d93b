// pkg/recaptcha/state.go
package recaptcha

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// WidgetState is the classified state of the widget at one instant. It is
// derived fresh on every call and must not be reused after a click or type.
type WidgetState int

const (
	NotFound WidgetState = iota
	AlreadyVerified
	CheckboxUnchecked
	ChallengePresented
	ChallengeAccepted
	ChallengeRejected
	// ChallengeBlocked is the widget's "try again later" page.
	ChallengeBlocked
)

func (s WidgetState) String() string {
	switch s {
	case NotFound:
		return "NotFound"
	case AlreadyVerified:
		return "AlreadyVerified"
	case CheckboxUnchecked:
		return "CheckboxUnchecked"
	case ChallengePresented:
		return "ChallengePresented"
	case ChallengeAccepted:
		return "ChallengeAccepted"
	case ChallengeRejected:
		return "ChallengeRejected"
	case ChallengeBlocked:
		return "ChallengeBlocked"
	default:
		return fmt.Sprintf("WidgetState(%d)", int(s))
	}
}

// Observation is the raw attribute snapshot a classification is based on.
type Observation struct {
	AnchorFound      bool
	Checked          bool
	ChallengeFound   bool
	ChallengeVisible bool
	RejectionShown   bool
	Blocked          bool
}

// Classify maps an observation to a WidgetState. It is a pure function.
//
// A visible challenge outranks a checked checkbox: both can be observed
// together while the widget re-renders, and declaring success early is the
// worse mistake.
func Classify(o Observation) WidgetState {
	switch {
	case !o.AnchorFound:
		return NotFound
	case o.ChallengeVisible && o.Blocked:
		return ChallengeBlocked
	case o.ChallengeVisible && o.RejectionShown:
		return ChallengeRejected
	case o.ChallengeVisible:
		return ChallengePresented
	case o.Checked && o.ChallengeFound:
		return ChallengeAccepted
	case o.Checked:
		return AlreadyVerified
	default:
		return CheckboxUnchecked
	}
}

// Classifier reads DOM state out of the widget frames. It never mutates the
// page.
type Classifier struct {
	logger *zap.Logger
}

// NewClassifier creates a classifier that logs at debug level.
func NewClassifier(logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{logger: logger}
}

// Classify observes the frames and classifies the result. challenge may be nil
// when no challenge frame is attached.
func (c *Classifier) Classify(ctx context.Context, anchor, challenge Frame) (WidgetState, Observation, error) {
	obs, err := c.Observe(ctx, anchor, challenge)
	if err != nil {
		return NotFound, obs, err
	}
	state := Classify(obs)
	c.logger.Debug("Widget classified.",
		zap.Stringer("state", state),
		zap.Bool("checked", obs.Checked),
		zap.Bool("challenge_found", obs.ChallengeFound),
		zap.Bool("challenge_visible", obs.ChallengeVisible),
		zap.Bool("rejection_shown", obs.RejectionShown),
	)
	return state, obs, nil
}

// Observe collects the attributes Classify needs. A stale anchor frame reads as
// absent; a stale challenge frame reads as detached. Context errors are
// returned as is.
func (c *Classifier) Observe(ctx context.Context, anchor, challenge Frame) (Observation, error) {
	var obs Observation

	if anchor != nil {
		val, ok, err := anchor.Attribute(ctx, CheckboxSelector, "aria-checked")
		switch {
		case err == nil:
			obs.AnchorFound = true
			obs.Checked = ok && val == "true"
		case errors.Is(err, ErrElementNotFound):
			// The frame is there but has not rendered its checkbox yet.
			obs.AnchorFound = true
		case errors.Is(err, ErrStaleFrame):
		default:
			return obs, fmt.Errorf("reading checkbox state: %w", err)
		}
	}

	if challenge == nil {
		return obs, nil
	}

	visible, err := challenge.Visible(ctx)
	if err != nil {
		if errors.Is(err, ErrStaleFrame) {
			return obs, nil
		}
		return obs, fmt.Errorf("reading challenge frame visibility: %w", err)
	}
	obs.ChallengeFound = true
	obs.ChallengeVisible = visible
	if !visible {
		return obs, nil
	}

	if obs.Blocked, err = challenge.ElementVisible(ctx, BlockedSelector); err != nil {
		return c.challengeErr(obs, err)
	}
	if obs.RejectionShown, err = challenge.ElementVisible(ctx, RejectionSelector); err != nil {
		return c.challengeErr(obs, err)
	}
	return obs, nil
}

// challengeErr turns a stale challenge frame into a detached observation.
func (c *Classifier) challengeErr(obs Observation, err error) (Observation, error) {
	if errors.Is(err, ErrStaleFrame) {
		obs.ChallengeFound = false
		obs.ChallengeVisible = false
		obs.RejectionShown = false
		obs.Blocked = false
		return obs, nil
	}
	return obs, fmt.Errorf("reading challenge frame contents: %w", err)
}
