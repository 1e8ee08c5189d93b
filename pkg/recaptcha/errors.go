// pkg/recaptcha/errors.go
package recaptcha

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine. Callers match them with errors.Is.
var (
	// ErrNotFound means the anchor frame never resolved. This is an integration
	// error on the caller's side and is never retried.
	ErrNotFound = errors.New("recaptcha: widget anchor frame not found")

	// ErrResourceNotFound means the audio control was missing from an otherwise
	// valid challenge. Counted as a failed attempt.
	ErrResourceNotFound = errors.New("recaptcha: audio resource not found")

	// ErrTranscription means the transcriber failed or produced nothing usable.
	// Counted as a failed attempt.
	ErrTranscription = errors.New("recaptcha: transcription failed")

	// ErrTimeout marks a phase that exceeded its budget. When it wraps the
	// caller's own context error the whole call is aborted.
	ErrTimeout = errors.New("recaptcha: timeout")

	// ErrExhaustedRetries means the attempt budget was consumed without the
	// widget accepting an answer.
	ErrExhaustedRetries = errors.New("recaptcha: attempt budget exhausted")

	// ErrFatalState covers structural failures: the challenge vanished mid-flow
	// or the DOM reached a state the engine cannot make progress from.
	ErrFatalState = errors.New("recaptcha: fatal widget state")

	// ErrBlocked is reported when the widget shows its "try again later" page.
	ErrBlocked = fmt.Errorf("%w: widget refused to serve further challenges", ErrFatalState)

	// ErrStaleFrame is returned by Frame implementations once the underlying
	// iframe detached from the document.
	ErrStaleFrame = errors.New("recaptcha: frame handle is no longer valid")

	// ErrElementNotFound is returned by Frame implementations when a selector
	// matched nothing inside the frame.
	ErrElementNotFound = errors.New("recaptcha: element not found")
)

// Classified transcriber failures. Transcriber implementations wrap these.
var (
	ErrUnsupportedFormat   = errors.New("transcriber: unsupported audio format")
	ErrTranscriberNetwork  = errors.New("transcriber: network error")
	ErrEmptyTranscript     = errors.New("transcriber: empty transcript")
	errChallengeRejected   = errors.New("recaptcha: answer rejected by widget")
	errChallengeUnanswered = errors.New("recaptcha: widget presented another challenge without verdict")
)

// PhaseError records which pipeline step failed.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every permitted attempt failed. It matches
// both ErrExhaustedRetries and the error of the final attempt.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%v after %d attempt(s)", ErrExhaustedRetries, e.Attempts)
	}
	return fmt.Sprintf("%v after %d attempt(s): last error: %v", ErrExhaustedRetries, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrExhaustedRetries}
	}
	return []error{ErrExhaustedRetries, e.Last}
}

// fatalf builds an ErrFatalState error.
func fatalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFatalState, fmt.Sprintf(format, args...))
}
