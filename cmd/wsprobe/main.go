package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yiwugan/chatagent-ws/internal/protocol"
)

type options struct {
	baseURL     string
	apiKey      string
	text        string
	turns       int
	turnTimeout time.Duration
	verbose     bool
}

type tokenResponse struct {
	SessionToken string `json:"session_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Format string `json:"format,omitempty"`
	Length int    `json:"length,omitempty"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wsprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "wsprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8001", "gateway base URL")
	flag.StringVar(&cfg.apiKey, "api-key", os.Getenv("APP_WS_API_KEY"), "API key for the token endpoints")
	flag.StringVar(&cfg.text, "text", "Reply in three words: system status?", "utterance to send each turn")
	flag.IntVar(&cfg.turns, "turns", 5, "number of turns to run")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for response_end per turn in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print per-turn progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if strings.TrimSpace(cfg.text) == "" {
		return options{}, fmt.Errorf("text must not be empty")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 15 * time.Second}
	token, err := fetchToken(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("get session token: %w", err)
	}

	wsURL := "ws" + strings.TrimPrefix(cfg.baseURL, "http") + "/text-ws?session_token=" + token
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	var firstChunk, total []time.Duration
	for i := 0; i < cfg.turns; i++ {
		input, err := json.Marshal(protocol.UserInput{Type: protocol.TypeUserInput, Text: cfg.text})
		if err != nil {
			return err
		}
		start := time.Now()
		if err := conn.WriteMessage(websocket.TextMessage, input); err != nil {
			return fmt.Errorf("turn %d write: %w", i+1, err)
		}

		fc, tt, err := awaitResponse(conn, start, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		firstChunk = append(firstChunk, fc)
		total = append(total, tt)
		if cfg.verbose {
			fmt.Printf("wsprobe: turn %d/%d first_chunk=%s total=%s\n", i+1, cfg.turns, fc.Round(time.Millisecond), tt.Round(time.Millisecond))
		}
	}

	fmt.Printf("wsprobe: turns=%d first_chunk avg=%s total avg=%s\n", cfg.turns, avg(firstChunk).Round(time.Millisecond), avg(total).Round(time.Millisecond))
	return nil
}

// awaitResponse reads frames until response_end, recording the time to the
// first response_chunk and the total turn time. Binary frames (audio) count
// as progress but carry no text.
func awaitResponse(conn *websocket.Conn, start time.Time, timeout time.Duration) (firstChunk, total time.Duration, err error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return 0, 0, err
		}
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return 0, 0, fmt.Errorf("read: %w", err)
		}
		if msgType == websocket.BinaryMessage {
			continue
		}
		var env wsEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return 0, 0, fmt.Errorf("decode frame: %w", err)
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeResponseChunk:
			if firstChunk == 0 {
				firstChunk = time.Since(start)
			}
		case protocol.TypeResponseEnd:
			return firstChunk, time.Since(start), nil
		case protocol.TypeStreamError:
			return 0, 0, fmt.Errorf("stream error: %s", env.Text)
		}
	}
}

func fetchToken(ctx context.Context, client *http.Client, cfg options) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/api/get_session_token", nil)
	if err != nil {
		return "", err
	}
	if cfg.apiKey != "" {
		req.Header.Set("X-API-Key", cfg.apiKey)
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out tokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if out.SessionToken == "" {
		return "", fmt.Errorf("empty session_token in response")
	}
	return out.SessionToken, nil
}

func avg(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}
