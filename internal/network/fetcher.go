// File: internal/network/fetcher.go
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-recaptcha/pkg/recaptcha"
)

// DefaultMaxAudioBytes caps a challenge payload. Real clips are well under
// 100 KiB.
const DefaultMaxAudioBytes int64 = 4 << 20

// ErrPayloadTooLarge is returned when the audio exceeds the configured cap.
var ErrPayloadTooLarge = errors.New("network: audio payload exceeds size limit")

// AudioFetcher downloads challenge audio over HTTP. It implements
// recaptcha.Fetcher.
type AudioFetcher struct {
	client    *Client
	userAgent string
	maxBytes  int64
	logger    *zap.Logger
}

// NewAudioFetcher creates a fetcher around client. A non-positive maxBytes
// selects DefaultMaxAudioBytes.
func NewAudioFetcher(client *Client, userAgent string, maxBytes int64, logger *zap.Logger) *AudioFetcher {
	if client == nil {
		client = NewClient(nil)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAudioBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AudioFetcher{client: client, userAgent: userAgent, maxBytes: maxBytes, logger: logger}
}

var _ recaptcha.Fetcher = (*AudioFetcher)(nil)

// Fetch downloads rawURL. A 404 or 410 means the challenge rotated the clip
// away and is reported as recaptcha.ErrResourceNotFound.
func (f *AudioFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid audio url %q", recaptcha.ErrResourceNotFound, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building audio request: %w", err)
	}
	req.Header.Set("Accept", "audio/*;q=0.9, */*;q=0.5")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting audio: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: audio endpoint returned %d", recaptcha.ErrResourceNotFound, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("audio endpoint returned unexpected status %d", resp.StatusCode)
	}

	// The payload endpoint answers with an HTML page once the clip expired.
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "text/html" {
		return nil, fmt.Errorf("%w: audio endpoint returned %s", recaptcha.ErrResourceNotFound, mt)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading audio body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, f.maxBytes)
	}

	f.logger.Debug("Audio downloaded.",
		zap.String("host", u.Host),
		zap.Int("bytes", len(body)),
		zap.String("content_type", resp.Header.Get("Content-Type")),
	)
	return body, nil
}
