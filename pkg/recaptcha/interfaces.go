// pkg/recaptcha/interfaces.go
package recaptcha

import "context"

// Session is the caller-owned handle to the host page. The engine borrows it
// for the duration of one Solve call and never closes it.
type Session interface {
	// QueryFrame performs a single, non-waiting lookup of an iframe element in
	// the host page. It returns (nil, nil) when nothing matches.
	QueryFrame(ctx context.Context, selector string) (Frame, error)
}

// Frame is a handle to the document of a located iframe. Handles go stale when
// the iframe detaches; every method then returns an error wrapping
// ErrStaleFrame.
type Frame interface {
	// Selector is the host-page selector the frame was resolved with.
	Selector() string
	// Visible reports whether the iframe element itself is rendered.
	Visible(ctx context.Context) (bool, error)
	// ElementVisible reports whether an element inside the frame exists and is
	// rendered. A missing element is (false, nil).
	ElementVisible(ctx context.Context, selector string) (bool, error)
	// Attribute reads an attribute of the first element matching selector. The
	// boolean is false when the attribute is absent. A missing element yields
	// ErrElementNotFound.
	Attribute(ctx context.Context, selector, name string) (string, bool, error)
	// Click activates the element matching selector.
	Click(ctx context.Context, selector string) error
	// Type sends text to the element matching selector verbatim.
	Type(ctx context.Context, selector, text string) error
}

// Fetcher retrieves the raw bytes behind the challenge audio URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Transcriber turns challenge audio into text. format is a hint such as "mp3"
// and may be empty when the engine could not sniff it.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

// TranscriberFunc adapts a function to the Transcriber interface.
type TranscriberFunc func(ctx context.Context, audio []byte, format string) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	return f(ctx, audio, format)
}
