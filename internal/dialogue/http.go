package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// UpstreamError carries an error chunk emitted mid-stream by the dialogue
// backend.
type UpstreamError struct {
	Msg string
}

func (e *UpstreamError) Error() string { return e.Msg }

// HTTPClient streams dialogue responses from a chunked HTTP endpoint.
type HTTPClient struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPClient(url, apiKey string) *HTTPClient {
	return &HTTPClient{
		url:    strings.TrimSpace(url),
		apiKey: apiKey,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// SetTimeout overrides the default per-request timeout.
func (c *HTTPClient) SetTimeout(d time.Duration) {
	if d > 0 {
		c.client.Timeout = d
	}
}

func (c *HTTPClient) Stream(ctx context.Context, message, sessionID string, onChunk func(string) error) error {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Id", sessionID)
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &UpstreamError{Msg: fmt.Sprintf("dialogue http status %d: %s", res.StatusCode, string(body))}
	}

	return consumeChunks(res.Body, onChunk)
}

// consumeChunks reads the raw chunked body and forwards text to onChunk
// until the terminating sentinel. The sentinel may arrive glued to the tail
// of a preceding chunk.
func consumeChunks(body io.Reader, onChunk func(string) error) error {
	buf := make([]byte, 4096)
	carry := ""
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			data := carry + string(buf[:n])
			if idx := strings.Index(data, doneSentinel); idx >= 0 {
				if head := data[:idx]; head != "" {
					return emit(head, onChunk)
				}
				return nil
			}
			if strings.Contains(data, "Error:") {
				rest, _ := io.ReadAll(io.LimitReader(body, 64<<10))
				msg := data + string(rest)
				if idx := strings.Index(msg, doneSentinel); idx >= 0 {
					msg = msg[:idx]
				}
				return &UpstreamError{Msg: strings.TrimSpace(msg)}
			}
			// Hold back one sentinel's worth of bytes; the terminator can
			// land split across reads.
			keep := len(doneSentinel) - 1
			if keep > len(data) {
				keep = len(data)
			}
			carry = data[len(data)-keep:]
			if head := data[:len(data)-keep]; head != "" {
				if err := emit(head, onChunk); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			if carry != "" {
				return emit(carry, onChunk)
			}
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("stream read: %w", readErr)
		}
	}
}

func emit(chunk string, onChunk func(string) error) error {
	if strings.Contains(chunk, "Error:") {
		return &UpstreamError{Msg: strings.TrimSpace(chunk)}
	}
	return onChunk(chunk)
}
