package transcribe

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-recaptcha/pkg/recaptcha"
)

// RateLimited spaces out calls to a backend shared by concurrent solves.
type RateLimited struct {
	next    recaptcha.Transcriber
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond sustained calls with the given burst. A
// burst below 1 is raised to 1.
func NewRateLimited(next recaptcha.Transcriber, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Transcribe waits for a token, then delegates.
func (r *RateLimited) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for transcription slot: %w", err)
	}
	return r.next.Transcribe(ctx, audio, format)
}
