package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/yiwugan/chatagent-ws/internal/authority"
	"github.com/yiwugan/chatagent-ws/internal/config"
	"github.com/yiwugan/chatagent-ws/internal/dialogue"
	"github.com/yiwugan/chatagent-ws/internal/gateway"
	"github.com/yiwugan/chatagent-ws/internal/language"
	"github.com/yiwugan/chatagent-ws/internal/protocol"
	"github.com/yiwugan/chatagent-ws/internal/recognition"
	"github.com/yiwugan/chatagent-ws/internal/synthesis"
)

func newTestServer(t *testing.T) (*Server, *authority.Authority) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Config{
		APIKey:      "test-api-key",
		TokenExpiry: 15 * time.Minute,
	}
	auth := authority.New(rdb, cfg.TokenExpiry, 100)
	controller := gateway.NewController(gateway.ControllerConfig{
		Authority:         auth,
		Chat:              dialogue.NewMockClient(),
		Speech:            dialogue.NewMockClient(),
		Recognizer:        recognition.NewMockRecognizer(),
		Dispatcher:        synthesis.NewDispatcher(synthesis.NewMockSynthesizer(), "mp3"),
		Languages:         language.NewTable(nil),
		IdleTimeout:       time.Minute,
		IdleCheckInterval: 10 * time.Millisecond,
	})
	return New(cfg, auth, controller, nil, nil), auth
}

func issueToken(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/get_session_token", nil)
	req.Header.Set("X-API-Key", "test-api-key")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get_session_token: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get_session_token status = %d", res.StatusCode)
	}
	var body tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if body.SessionToken == "" || body.ExpiresIn != 900 {
		t.Fatalf("token response = %+v", body)
	}
	return body.SessionToken
}

func TestGetSessionTokenRequiresAPIKey(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	res, err := srv.Client().Post(srv.URL+"/api/get_session_token", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
}

func TestRefreshSessionToken(t *testing.T) {
	s, auth := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	token := issueToken(t, srv)

	payload, _ := json.Marshal(map[string]string{"current_token": token})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/refresh_session_token", bytes.NewReader(payload))
	req.Header.Set("X-API-Key", "test-api-key")
	req.Header.Set("Content-Type", "application/json")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d", res.StatusCode)
	}
	var body tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.SessionToken == "" || body.SessionToken == token {
		t.Fatalf("refresh returned %q, want a fresh token", body.SessionToken)
	}

	// The old token stays valid until it expires on its own.
	if _, err := auth.Validate(context.Background(), token, "127.0.0.1"); err != nil {
		t.Fatalf("old token invalidated by refresh: %v", err)
	}
}

func TestRefreshSessionTokenRejectsUnknownToken(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	payload, _ := json.Marshal(map[string]string{"current_token": "nope"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/refresh_session_token", bytes.NewReader(payload))
	req.Header.Set("X-API-Key", "test-api-key")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	res, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestTextWSRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	token := issueToken(t, srv)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/text-ws?session_token="+token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	input, _ := json.Marshal(protocol.UserInput{Type: protocol.TypeUserInput, Text: "hi"})
	if err := conn.WriteMessage(websocket.TextMessage, input); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var chunk protocol.ResponseChunk
	if err := conn.ReadJSON(&chunk); err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if chunk.Type != protocol.TypeResponseChunk || chunk.Text != "I heard you: hi" {
		t.Fatalf("chunk = %+v", chunk)
	}
	var end protocol.ResponseEnd
	if err := conn.ReadJSON(&end); err != nil {
		t.Fatalf("read end: %v", err)
	}
	if end.Type != protocol.TypeResponseEnd {
		t.Fatalf("end = %+v", end)
	}
}

func TestWSInvalidTokenGetsPolicyClose(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/text-ws?session_token=bogus"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var se protocol.StreamError
	if err := conn.ReadJSON(&se); err != nil {
		t.Fatalf("read stream_error: %v", err)
	}
	if se.Text != "Authentication failed" {
		t.Fatalf("stream_error = %+v", se)
	}

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != protocol.ClosePolicyViolation {
		t.Fatalf("close error = %v, want code 1002", err)
	}
}

func TestDeadPeerReapedByKeepalive(t *testing.T) {
	oldWait, oldInterval := pongWait, pingInterval
	pongWait, pingInterval = 300*time.Millisecond, 50*time.Millisecond
	t.Cleanup(func() { pongWait, pingInterval = oldWait, oldInterval })

	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	token := issueToken(t, srv)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/text-ws?session_token="+token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A peer that never answers pings looks dead to the server.
	conn.SetPingHandler(func(string) error { return nil })

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("server never closed the silent connection")
			}
			return
		}
	}
}

func TestWSMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/text-ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var se protocol.StreamError
	if err := conn.ReadJSON(&se); err != nil {
		t.Fatalf("read stream_error: %v", err)
	}
	if se.Text != "Missing session_token" {
		t.Fatalf("stream_error = %+v", se)
	}
}
