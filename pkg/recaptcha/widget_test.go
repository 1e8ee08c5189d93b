package recaptcha

import (
	"context"
	"fmt"
	"sync"
)

const testAudioURL = "https://www.google.com/recaptcha/api2/payload?p=06AGdBq&k=6Le-wvkS"

// fakeWidget is an in-memory reCAPTCHA widget. Frame handles carry the
// generation they were resolved at and go stale when it moves on.
type fakeWidget struct {
	mu sync.Mutex

	anchorPresent bool
	invisible     bool
	anchorGen     int
	checked       bool

	challengeAttached bool
	challengeVisible  bool
	challengeGen      int
	audioSource       string
	downloadLink      string
	audioButton       bool
	rejection         bool
	blocked           bool
	response          string

	// queryErr fails every frame lookup once set.
	queryErr error

	clicks   map[string]int
	typed    []string
	verifies int
	queries  int

	onCheckbox    func(w *fakeWidget)
	onAudioButton func(w *fakeWidget)
	onVerify      func(w *fakeWidget, answer string)
}

func newFakeWidget() *fakeWidget {
	return &fakeWidget{anchorPresent: true, clicks: make(map[string]int)}
}

// present shows an audio challenge.
func (w *fakeWidget) present() {
	w.challengeAttached = true
	w.challengeVisible = true
	w.audioSource = testAudioURL
	w.rejection = false
}

// accept marks the widget solved; the challenge frame stays attached but
// hidden, as the real widget does.
func (w *fakeWidget) accept() {
	w.checked = true
	w.challengeVisible = false
	w.rejection = false
}

// reject shows the error banner and keeps the challenge up.
func (w *fakeWidget) reject() {
	w.rejection = true
}

// acceptOnVerify returns a hook that rejects until the k-th verify.
func acceptOnVerify(k int) func(w *fakeWidget, answer string) {
	return func(w *fakeWidget, answer string) {
		if w.verifies >= k {
			w.accept()
			return
		}
		w.reject()
	}
}

func (w *fakeWidget) clickCount(sel string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clicks[sel]
}

func (w *fakeWidget) totalClicks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.clicks {
		n += c
	}
	return n
}

func (w *fakeWidget) QueryFrame(ctx context.Context, selector string) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queries++
	if w.queryErr != nil {
		return nil, w.queryErr
	}

	for _, v := range AnchorVariants {
		if v.Selector == selector {
			if w.anchorPresent && v.Invisible == w.invisible {
				return &fakeFrame{w: w, anchor: true, gen: w.anchorGen, selector: selector}, nil
			}
			return nil, nil
		}
	}
	if selector == ChallengeVariants[0].Selector && w.challengeAttached {
		return &fakeFrame{w: w, gen: w.challengeGen, selector: selector}, nil
	}
	return nil, nil
}

type fakeFrame struct {
	w        *fakeWidget
	anchor   bool
	gen      int
	selector string
}

func (f *fakeFrame) Selector() string { return f.selector }

// lock checks ctx and staleness and returns with the widget locked.
func (f *fakeFrame) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.w.mu.Lock()
	if f.anchor && (!f.w.anchorPresent || f.gen != f.w.anchorGen) {
		f.w.mu.Unlock()
		return fmt.Errorf("%w: anchor", ErrStaleFrame)
	}
	if !f.anchor && (!f.w.challengeAttached || f.gen != f.w.challengeGen) {
		f.w.mu.Unlock()
		return fmt.Errorf("%w: challenge", ErrStaleFrame)
	}
	return nil
}

func (f *fakeFrame) Visible(ctx context.Context) (bool, error) {
	if err := f.lock(ctx); err != nil {
		return false, err
	}
	defer f.w.mu.Unlock()
	return f.anchor || f.w.challengeVisible, nil
}

func (f *fakeFrame) ElementVisible(ctx context.Context, sel string) (bool, error) {
	if err := f.lock(ctx); err != nil {
		return false, err
	}
	defer f.w.mu.Unlock()
	if f.anchor {
		return sel == CheckboxSelector, nil
	}
	switch sel {
	case AudioButtonSelector:
		return f.w.audioButton, nil
	case BlockedSelector:
		return f.w.blocked, nil
	case RejectionSelector:
		return f.w.rejection, nil
	}
	return false, nil
}

func (f *fakeFrame) Attribute(ctx context.Context, sel, name string) (string, bool, error) {
	if err := f.lock(ctx); err != nil {
		return "", false, err
	}
	defer f.w.mu.Unlock()
	switch {
	case f.anchor && sel == CheckboxSelector && name == "aria-checked":
		return fmt.Sprint(f.w.checked), true, nil
	case !f.anchor && sel == AudioSourceSelector && f.w.audioSource != "":
		if name == "src" {
			return f.w.audioSource, true, nil
		}
		return "", false, nil
	case !f.anchor && sel == AudioDownloadSelector && f.w.downloadLink != "":
		if name == "href" {
			return f.w.downloadLink, true, nil
		}
		return "", false, nil
	}
	return "", false, fmt.Errorf("%w: %s", ErrElementNotFound, sel)
}

func (f *fakeFrame) Click(ctx context.Context, sel string) error {
	if err := f.lock(ctx); err != nil {
		return err
	}
	defer f.w.mu.Unlock()
	f.w.clicks[sel]++

	switch {
	case f.anchor && sel == CheckboxSelector:
		if f.w.onCheckbox != nil {
			f.w.onCheckbox(f.w)
		}
	case !f.anchor && sel == AudioButtonSelector:
		if f.w.onAudioButton != nil {
			f.w.onAudioButton(f.w)
		}
	case !f.anchor && sel == VerifyButtonSelector:
		f.w.verifies++
		if f.w.onVerify != nil {
			f.w.onVerify(f.w, f.w.response)
		}
	default:
		return fmt.Errorf("%w: %s", ErrElementNotFound, sel)
	}
	return nil
}

func (f *fakeFrame) Type(ctx context.Context, sel, text string) error {
	if err := f.lock(ctx); err != nil {
		return err
	}
	defer f.w.mu.Unlock()
	if f.anchor || sel != ResponseFieldSelector {
		return fmt.Errorf("%w: %s", ErrElementNotFound, sel)
	}
	f.w.response = text
	f.w.typed = append(f.w.typed, text)
	return nil
}
