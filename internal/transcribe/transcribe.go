// Package transcribe provides speech-to-text backends for challenge audio.
package transcribe

import (
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recaptcha/internal/config"
	"github.com/xkilldash9x/scalpel-recaptcha/pkg/recaptcha"
)

// mimeTypes maps sniffed container formats to the MIME types the backends
// accept.
var mimeTypes = map[string]string{
	"mp3":  "audio/mp3",
	"wav":  "audio/wav",
	"ogg":  "audio/ogg",
	"flac": "audio/flac",
}

// defaultFormat is assumed when sniffing failed. The widget serves MP3.
const defaultFormat = "mp3"

// mimeFor resolves a format hint. Unknown non-empty hints are rejected.
func mimeFor(format string) (string, string, error) {
	f := strings.ToLower(strings.TrimSpace(format))
	if f == "" {
		f = defaultFormat
	}
	m, ok := mimeTypes[f]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", recaptcha.ErrUnsupportedFormat, format)
	}
	return f, m, nil
}

// Normalize cleans a raw transcript into the form the widget expects:
// lowercase words separated by single spaces, without the sentence
// punctuation speech models like to add.
func Normalize(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '\'' && r != '-')
	})
	return strings.ToLower(strings.Join(fields, " "))
}

// New builds the configured backend, wrapped in a rate limiter when one is
// configured.
func New(cfg config.TranscriberConfig, httpClient *http.Client, logger *zap.Logger) (recaptcha.Transcriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		t   recaptcha.Transcriber
		err error
	)
	switch config.TranscriberProvider(strings.ToLower(string(cfg.Provider))) {
	case config.ProviderGemini:
		t, err = NewGemini(cfg, httpClient, logger)
	case config.ProviderWhisper:
		t, err = NewWhisper(cfg, httpClient, logger)
	default:
		err = fmt.Errorf("unsupported transcriber provider: %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RateLimit > 0 {
		t = NewRateLimited(t, cfg.RateLimit, cfg.Burst)
	}
	return t, nil
}
