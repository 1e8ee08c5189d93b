// pkg/recaptcha/locator.go
package recaptcha

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Located is an anchor frame together with the variant that matched it.
type Located struct {
	Frame   Frame
	Variant FrameVariant
}

// Locator resolves the widget iframes with bounded polling.
type Locator struct {
	anchors    []FrameVariant
	challenges []FrameVariant
	interval   time.Duration
	logger     *zap.Logger
}

// NewLocator creates a locator over the default variant lists.
func NewLocator(interval time.Duration, logger *zap.Logger) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Locator{
		anchors:    AnchorVariants,
		challenges: ChallengeVariants,
		interval:   interval,
		logger:     logger,
	}
}

// LocateAnchorFrame polls for the anchor frame until timeout. It fails with
// ErrNotFound when no variant resolves; a cancelled parent context yields
// ErrTimeout instead.
func (l *Locator) LocateAnchorFrame(ctx context.Context, s Session, timeout time.Duration) (*Located, error) {
	frame, variant, err := l.poll(ctx, s, l.anchors, timeout, false)
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, fmt.Errorf("%w: no anchor variant matched within %v", ErrNotFound, timeout)
	}
	l.logger.Debug("Anchor frame located.", zap.String("variant", variant.Name))
	return &Located{Frame: frame, Variant: variant}, nil
}

// LocateChallengeFrame polls for a visible challenge frame until timeout. It
// returns (nil, nil) when the window closes without one, which usually means
// the widget verified instantly.
func (l *Locator) LocateChallengeFrame(ctx context.Context, s Session, timeout time.Duration) (Frame, error) {
	frame, variant, err := l.poll(ctx, s, l.challenges, timeout, true)
	if err != nil || frame == nil {
		return nil, err
	}
	l.logger.Debug("Challenge frame located.", zap.String("variant", variant.Name))
	return frame, nil
}

// ResolveAnchor re-resolves an anchor with a single probe of its variant.
func (l *Locator) ResolveAnchor(ctx context.Context, s Session, v FrameVariant) (Frame, error) {
	return s.QueryFrame(ctx, v.Selector)
}

// ResolveChallenge returns the attached challenge frame, visible or not, with a
// single probe per variant.
func (l *Locator) ResolveChallenge(ctx context.Context, s Session) (Frame, error) {
	for _, v := range l.challenges {
		f, err := s.QueryFrame(ctx, v.Selector)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
	return nil, nil
}

// poll probes the variants in priority order until one matches or the window
// closes. Probe errors inside the window are treated as "not yet"; only the
// caller's own context ending is reported as an error.
func (l *Locator) poll(ctx context.Context, s Session, variants []FrameVariant, timeout time.Duration, requireVisible bool) (Frame, FrameVariant, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		for _, v := range variants {
			f, err := s.QueryFrame(pctx, v.Selector)
			if err != nil {
				if pctx.Err() != nil {
					break
				}
				l.logger.Debug("Frame probe failed.", zap.String("variant", v.Name), zap.Error(err))
				continue
			}
			if f == nil {
				continue
			}
			if requireVisible {
				visible, err := f.Visible(pctx)
				if err != nil || !visible {
					continue
				}
			}
			return f, v, nil
		}

		if err := sleep(pctx, l.interval); err != nil {
			if ctx.Err() != nil {
				return nil, FrameVariant{}, fmt.Errorf("%w: frame lookup interrupted: %w", ErrTimeout, ctx.Err())
			}
			return nil, FrameVariant{}, nil
		}
	}
}

// Exists reports whether selector currently matches an iframe in the page.
func Exists(ctx context.Context, s Session, selector string) (bool, error) {
	f, err := s.QueryFrame(ctx, selector)
	if err != nil {
		return false, err
	}
	return f != nil, nil
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
