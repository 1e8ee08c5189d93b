package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/scalpel-recaptcha/internal/config"
	"github.com/xkilldash9x/scalpel-recaptcha/pkg/recaptcha"
)

const geminiPrompt = "Transcribe the spoken words in this audio clip. " +
	"Reply with the words only, in lowercase, separated by single spaces. " +
	"Do not add punctuation, commentary or formatting."

// Gemini transcribes audio with a multimodal Gemini model. The clip is sent
// inline next to a fixed instruction.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewGemini creates the client. An empty API key falls back to the SDK's own
// environment lookup. Endpoint overrides the API base URL.
func NewGemini(cfg config.TranscriberConfig, httpClient *http.Client, logger *zap.Logger) (*Gemini, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}

	// NewClient does no I/O; the context only scopes credential discovery.
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Gemini{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.APITimeout,
		logger:  logger.Named("transcribe.gemini"),
	}, nil
}

var _ recaptcha.Transcriber = (*Gemini)(nil)

// Transcribe implements recaptcha.Transcriber.
func (g *Gemini) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: no audio supplied", recaptcha.ErrEmptyTranscript)
	}
	_, mime, err := mimeFor(format)
	if err != nil {
		return "", err
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(geminiPrompt),
			genai.NewPartFromBytes(audio, mime),
		}, genai.RoleUser),
	}
	gc := &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](0)}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, gc)
	if err != nil {
		return "", classifyGeminiError(err)
	}

	text := Normalize(resp.Text())
	g.logger.Debug("Gemini transcription complete.",
		zap.Duration("duration", time.Since(start)),
		zap.String("mime", mime),
		zap.Int("words", wordCount(text)),
	)
	if text == "" {
		return "", recaptcha.ErrEmptyTranscript
	}
	return text, nil
}

// classifyGeminiError marks everything except definitive client errors as a
// network problem worth another attempt.
func classifyGeminiError(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return fmt.Errorf("gemini rejected the request (%d): %w", code, err)
	}
	return fmt.Errorf("%w: gemini: %w", recaptcha.ErrTranscriberNetwork, err)
}

func wordCount(s string) int {
	if s == "" {
		return 0
	}
	n := 1
	for _, r := range s {
		if r == ' ' {
			n++
		}
	}
	return n
}
