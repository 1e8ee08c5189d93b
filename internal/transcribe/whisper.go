package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recaptcha/internal/config"
	"github.com/xkilldash9x/scalpel-recaptcha/pkg/recaptcha"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxWhisperResponse bounds the response body; a transcript is a few words.
const maxWhisperResponse = 1 << 20

// Whisper posts audio to an OpenAI-compatible /audio/transcriptions endpoint,
// which covers the hosted API, whisper.cpp's server and faster-whisper.
type Whisper struct {
	endpoint   string
	apiKey     string
	model      string
	language   string
	httpClient *http.Client
	logger     *zap.Logger
}

type whisperResponse struct {
	Text string `json:"text"`
}

type whisperError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewWhisper creates the client. A nil httpClient gets one with the
// configured API timeout.
func NewWhisper(cfg config.TranscriberConfig, httpClient *http.Client, logger *zap.Logger) (*Whisper, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("whisper endpoint is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.APITimeout}
	}
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	return &Whisper{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      model,
		language:   cfg.Language,
		httpClient: httpClient,
		logger:     logger.Named("transcribe.whisper"),
	}, nil
}

var _ recaptcha.Transcriber = (*Whisper)(nil)

// Transcribe implements recaptcha.Transcriber.
func (w *Whisper) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: no audio supplied", recaptcha.ErrEmptyTranscript)
	}
	ext, mime, err := mimeFor(format)
	if err != nil {
		return "", err
	}

	body, contentType, err := w.buildForm(audio, ext, mime)
	if err != nil {
		return "", fmt.Errorf("building transcription form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	start := time.Now()
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", recaptcha.ErrTranscriberNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWhisperResponse))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %w", recaptcha.ErrTranscriberNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", w.apiError(resp.StatusCode, raw)
	}

	var out whisperResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to decode transcription response: %w", err)
	}

	text := Normalize(out.Text)
	w.logger.Debug("Whisper transcription complete.",
		zap.Duration("duration", time.Since(start)),
		zap.Int("words", wordCount(text)),
	)
	if text == "" {
		return "", recaptcha.ErrEmptyTranscript
	}
	return text, nil
}

func (w *Whisper) buildForm(audio []byte, ext, mime string) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="challenge.%s"`, ext))
	h.Set("Content-Type", mime)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}

	fields := [][2]string{{"model", w.model}, {"response_format", "json"}, {"temperature", "0"}}
	if w.language != "" {
		fields = append(fields, [2]string{"language", w.language})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// apiError keeps 429 and 5xx retryable and reports other statuses as
// definitive.
func (w *Whisper) apiError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var e whisperError
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		msg = e.Error.Message
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		w.logger.Warn("Transcription backend unavailable.", zap.Int("status", status), zap.String("message", msg))
		return fmt.Errorf("%w: status %d: %s", recaptcha.ErrTranscriberNetwork, status, msg)
	}
	return fmt.Errorf("transcription request rejected with status %d: %s", status, msg)
}
