// pkg/recaptcha/pipeline.go
package recaptcha

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Outcome is the result of one ChallengeAttempt.
type Outcome int

const (
	// OutcomeSubmitted means the answer was sent and awaits classification.
	OutcomeSubmitted Outcome = iota
	OutcomeAccepted
	OutcomeRejected
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSubmitted:
		return "submitted"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// ChallengeAttempt is one audio round trip. It lives for a single iteration of
// the retry loop.
type ChallengeAttempt struct {
	Number   int
	AudioURL string
	Audio    []byte
	// Transcript is nil when transcription did not produce a value.
	Transcript *string
	Outcome    Outcome
	Err        error
}

// Pipeline drives the audio challenge: resource, fetch, transcribe, respond.
type Pipeline struct {
	fetcher     Fetcher
	transcriber Transcriber
	steps       StepTimeouts
	interval    time.Duration
	logger      *zap.Logger
}

// NewPipeline wires the pipeline to its collaborators.
func NewPipeline(f Fetcher, t Transcriber, steps StepTimeouts, interval time.Duration, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{fetcher: f, transcriber: t, steps: steps, interval: interval, logger: logger}
}

// Attempt runs one round trip against the challenge frame. It never returns an
// error: failures are recorded on the attempt with OutcomeError and the retry
// controller decides what they mean.
func (p *Pipeline) Attempt(ctx context.Context, challenge Frame, number int) *ChallengeAttempt {
	a := &ChallengeAttempt{Number: number, Outcome: OutcomeSubmitted}
	log := p.logger.With(zap.Int("attempt", number))

	if err := p.run(ctx, challenge, a, log); err != nil {
		a.Outcome = OutcomeError
		a.Err = err
		log.Debug("Audio attempt failed.", zap.Error(err))
	}
	return a
}

func (p *Pipeline) run(ctx context.Context, challenge Frame, a *ChallengeAttempt, log *zap.Logger) error {
	// Each phase writes only to its own locals. A phase that overran its
	// budget may still be running and must not touch a.
	var audioURL string
	err := runPhase(ctx, "resource", p.steps.Resource, func(c context.Context) error {
		u, err := p.audioURL(c, challenge)
		audioURL = u
		return err
	})
	if err != nil {
		return err
	}
	a.AudioURL = audioURL
	log.Debug("Audio resource extracted.", zap.String("url", a.AudioURL))

	var audio []byte
	err = runPhase(ctx, "fetch", p.steps.Fetch, func(c context.Context) error {
		b, err := p.fetcher.Fetch(c, audioURL)
		if err != nil {
			return fmt.Errorf("fetching audio: %w", err)
		}
		if len(b) == 0 {
			return fmt.Errorf("%w: audio body was empty", ErrResourceNotFound)
		}
		audio = b
		return nil
	})
	if err != nil {
		return err
	}
	a.Audio = audio

	var transcript string
	err = runPhase(ctx, "transcribe", p.steps.Transcribe, func(c context.Context) error {
		text, err := p.transcriber.Transcribe(c, audio, DetectAudioFormat(audio))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTranscription, err)
		}
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("%w: %w", ErrTranscription, ErrEmptyTranscript)
		}
		transcript = text
		return nil
	})
	if err != nil {
		return err
	}
	a.Transcript = &transcript
	log.Debug("Audio transcribed.", zap.Int("transcript_len", len(transcript)))

	return runPhase(ctx, "respond", p.steps.Respond, func(c context.Context) error {
		if err := challenge.Type(c, ResponseFieldSelector, transcript); err != nil {
			return fmt.Errorf("typing response: %w", err)
		}
		if err := challenge.Click(c, VerifyButtonSelector); err != nil {
			return fmt.Errorf("submitting response: %w", err)
		}
		return nil
	})
}

// audioURL extracts the audio reference, switching the challenge from the
// image grid to audio first when needed.
func (p *Pipeline) audioURL(ctx context.Context, f Frame) (string, error) {
	if u, err := p.readAudioURL(ctx, f); u != "" || err != nil {
		return u, err
	}

	if blocked, err := f.ElementVisible(ctx, BlockedSelector); err != nil {
		return "", err
	} else if blocked {
		return "", ErrBlocked
	}
	visible, err := f.ElementVisible(ctx, AudioButtonSelector)
	if err != nil {
		return "", err
	}
	if !visible {
		return "", fmt.Errorf("%w: no audio control and no audio button", ErrResourceNotFound)
	}
	if err := f.Click(ctx, AudioButtonSelector); err != nil {
		return "", fmt.Errorf("switching to audio challenge: %w", err)
	}
	p.logger.Debug("Switched challenge to audio.")

	for {
		if u, err := p.readAudioURL(ctx, f); u != "" || err != nil {
			return u, err
		}
		if blocked, err := f.ElementVisible(ctx, BlockedSelector); err != nil {
			return "", err
		} else if blocked {
			return "", ErrBlocked
		}
		if err := sleep(ctx, p.interval); err != nil {
			return "", fmt.Errorf("%w: audio control did not appear: %w", ErrResourceNotFound, err)
		}
	}
}

// readAudioURL returns "" with a nil error when neither the audio source nor
// the download link is present yet.
func (p *Pipeline) readAudioURL(ctx context.Context, f Frame) (string, error) {
	for _, probe := range []struct{ sel, attr string }{
		{AudioSourceSelector, "src"},
		{AudioDownloadSelector, "href"},
	} {
		v, ok, err := f.Attribute(ctx, probe.sel, probe.attr)
		switch {
		case err == nil && ok && v != "":
			return v, nil
		case err == nil, errors.Is(err, ErrElementNotFound):
		default:
			return "", err
		}
	}
	return "", nil
}

// runPhase runs fn under its own deadline. The deadline holds even when fn
// ignores its context: fn is then abandoned and left to finish on its own. A
// deadline overrun of the phase itself is tagged ErrTimeout; the caller's
// cancellation is passed through.
func runPhase(parent context.Context, phase string, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		default:
			err = ctx.Err()
		}
	}
	if err == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %s exceeded %v: %w", ErrTimeout, phase, d, err)
	}
	return &PhaseError{Phase: phase, Err: err}
}

// DetectAudioFormat sniffs the container format of an audio payload. It
// returns "" when the bytes match nothing known.
func DetectAudioFormat(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte("ID3")):
		return "mp3"
	case len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0:
		return "mp3"
	case len(b) >= 12 && bytes.HasPrefix(b, []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE")):
		return "wav"
	case bytes.HasPrefix(b, []byte("OggS")):
		return "ogg"
	case bytes.HasPrefix(b, []byte("fLaC")):
		return "flac"
	default:
		return ""
	}
}
