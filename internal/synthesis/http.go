package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yiwugan/chatagent-ws/internal/reliability"
)

const (
	maxAttempts  = 3
	retryBase    = 200 * time.Millisecond
	retryCeiling = 2 * time.Second
)

// HTTPSynthesizer calls a speech synthesis service that answers with raw
// audio bytes and the format in Content-Type.
type HTTPSynthesizer struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPSynthesizer(url, apiKey string) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		url:    strings.TrimSpace(url),
		apiKey: apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text, langCode, voice, encoding string) ([]byte, string, error) {
	payload, err := json.Marshal(map[string]string{
		"text":          text,
		"language_code": langCode,
		"voice":         voice,
		"encoding":      encoding,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(reliability.ExponentialBackoff(attempt-1, retryBase, retryCeiling))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, "", ctx.Err()
			case <-timer.C:
			}
		}

		audio, format, retryable, err := s.once(ctx, payload, encoding)
		if err == nil {
			return audio, format, nil
		}
		lastErr = err
		if !retryable {
			return nil, "", err
		}
	}
	return nil, "", lastErr
}

func (s *HTTPSynthesizer) once(ctx context.Context, payload []byte, encoding string) ([]byte, string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, "", false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return nil, "", true, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		err := fmt.Errorf("synthesis http status %d: %s", res.StatusCode, string(body))
		return nil, "", reliability.IsRetryableHTTPStatus(res.StatusCode), err
	}

	audio, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", true, fmt.Errorf("read audio: %w", err)
	}

	format := res.Header.Get("Content-Type")
	if format == "" {
		format = "audio/" + encoding
	}
	return audio, format, false, nil
}
