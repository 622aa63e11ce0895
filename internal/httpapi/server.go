package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yiwugan/chatagent-ws/internal/authority"
	"github.com/yiwugan/chatagent-ws/internal/config"
	"github.com/yiwugan/chatagent-ws/internal/gateway"
	"github.com/yiwugan/chatagent-ws/internal/observability"
	"github.com/yiwugan/chatagent-ws/internal/protocol"
)

// Keepalive for the duplex endpoints: the server pings on pingInterval and
// treats a peer silent for pongWait as gone. Vars so tests can shrink them.
var (
	pongWait     = 120 * time.Second
	pingInterval = 45 * time.Second
)

// Server exposes the gateway's exterior surface: the token endpoints, the
// two duplex websocket endpoints, and the health and metrics probes.
type Server struct {
	cfg        config.Config
	auth       *authority.Authority
	controller *gateway.Controller
	metrics    *observability.Metrics
	ready      func(ctx context.Context) error
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, auth *authority.Authority, controller *gateway.Controller, metrics *observability.Metrics, ready func(ctx context.Context) error) *Server {
	return &Server{
		cfg:        cfg,
		auth:       auth,
		controller: controller,
		metrics:    metrics,
		ready:      ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/get_session_token", s.handleGetSessionToken)
	r.Post("/api/refresh_session_token", s.handleRefreshSessionToken)

	r.Get("/speech-ws", s.handleWS(gateway.ModeSpeech))
	r.Get("/text-ws", s.handleWS(gateway.ModeText))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) verifyAPIKey(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	got := strings.TrimSpace(r.Header.Get("X-API-Key"))
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) == 1
}

type tokenResponse struct {
	SessionToken string `json:"session_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (s *Server) handleGetSessionToken(w http.ResponseWriter, r *http.Request) {
	if !s.verifyAPIKey(r) {
		respondError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return
	}

	ip := clientIP(r)
	token, err := s.auth.Issue(r.Context(), uuid.NewString(), ip)
	if err != nil {
		log.Printf("session token issue failed ip=%s: %v", ip, err)
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "Service unavailable")
		return
	}
	respondJSON(w, http.StatusOK, tokenResponse{
		SessionToken: token,
		ExpiresIn:    int(s.cfg.TokenExpiry.Seconds()),
	})
}

func (s *Server) handleRefreshSessionToken(w http.ResponseWriter, r *http.Request) {
	if !s.verifyAPIKey(r) {
		respondError(w, http.StatusUnauthorized, "invalid_api_key", "Invalid API key")
		return
	}

	var req struct {
		CurrentToken string `json:"current_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.CurrentToken) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "current_token is required")
		return
	}

	ip := clientIP(r)
	token, err := s.auth.Refresh(r.Context(), req.CurrentToken, ip)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, tokenResponse{
			SessionToken: token,
			ExpiresIn:    int(s.cfg.TokenExpiry.Seconds()),
		})
	case errors.Is(err, authority.ErrInvalidToken),
		errors.Is(err, authority.ErrExpired),
		errors.Is(err, authority.ErrIPMismatch):
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired session token")
	default:
		log.Printf("session token refresh failed ip=%s: %v", ip, err)
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "Service unavailable")
	}
}

func (s *Server) handleWS(mode gateway.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("session_token")
		ip := clientIP(r)

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if token == "" {
			_ = conn.WriteJSON(protocol.NewStreamError("Missing session_token"))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(protocol.ClosePolicyViolation, "missing session token"),
				time.Now().Add(time.Second))
			return
		}

		s.serveConnection(r.Context(), conn, mode, token, ip)
	}
}

func (s *Server) serveConnection(parent context.Context, conn *websocket.Conn, mode gateway.Mode, token, ip string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	inbound := make(chan []byte, 64)
	outbound := make(chan any, 256)
	runErr := make(chan error, 1)
	go func() {
		runErr <- s.controller.RunConnection(ctx, mode, token, ip, inbound, outbound)
	}()

	closeCode := protocol.CloseNormal
	closeReason := ""
	writerStop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writeFrame := func(msg any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			var err error
			if b, ok := msg.([]byte); ok {
				err = conn.WriteMessage(websocket.BinaryMessage, b)
			} else {
				err = conn.WriteJSON(msg)
			}
			if err != nil {
				cancel()
				return false
			}
			return true
		}
		pinger := time.NewTicker(pingInterval)
		defer pinger.Stop()
		for {
			select {
			case msg := <-outbound:
				if !writeFrame(msg) {
					return
				}
			case <-pinger.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					cancel()
					return
				}
			case <-writerStop:
				// Flush frames queued before the connection ended, then
				// send the close frame with the controller's code.
				for {
					select {
					case msg := <-outbound:
						if !writeFrame(msg) {
							return
						}
					default:
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(closeCode, closeReason),
							time.Now().Add(time.Second))
						return
					}
				}
			}
		}
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(inbound)
		conn.SetReadLimit(2 << 20)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			if msgType != websocket.TextMessage {
				continue
			}
			select {
			case inbound <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	err := <-runErr
	var ce *gateway.CloseError
	switch {
	case errors.As(err, &ce):
		closeCode, closeReason = ce.Code, ce.Reason
	case err != nil:
		closeCode, closeReason = protocol.CloseInternalError, "internal error"
	}
	close(writerStop)
	<-writerDone
	cancel()
	_ = conn.Close()
	<-readDone
}

// clientIP prefers the first X-Forwarded-For entry, the client address a
// load balancer saw, over the immediate peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
