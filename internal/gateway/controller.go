package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/yiwugan/chatagent-ws/internal/authority"
	"github.com/yiwugan/chatagent-ws/internal/dialogue"
	"github.com/yiwugan/chatagent-ws/internal/history"
	"github.com/yiwugan/chatagent-ws/internal/language"
	"github.com/yiwugan/chatagent-ws/internal/observability"
	"github.com/yiwugan/chatagent-ws/internal/protocol"
	"github.com/yiwugan/chatagent-ws/internal/recognition"
	"github.com/yiwugan/chatagent-ws/internal/segment"
	"github.com/yiwugan/chatagent-ws/internal/synthesis"
)

const (
	maxInputSize      = 10 * 1024
	maxResponseBuffer = 1024 * 1024
)

// ControllerConfig wires the controller to its collaborators.
type ControllerConfig struct {
	Authority  *authority.Authority
	Chat       dialogue.Client
	Speech     dialogue.Client
	Recognizer recognition.Recognizer
	Dispatcher *synthesis.Dispatcher
	History    history.Store
	Languages  *language.Table
	Metrics    *observability.Metrics

	DefaultVoice      string
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
	AudioQueueLength  int
}

// Controller drives every duplex connection: authentication, rate limiting,
// idle supervision, turn management and ordered teardown. It holds no
// per-connection state itself; each connection gets its own
// ConnectionContext inside RunConnection.
type Controller struct {
	cfg ControllerConfig
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.IdleCheckInterval <= 0 {
		cfg.IdleCheckInterval = time.Minute
	}
	if cfg.Speech == nil {
		cfg.Speech = cfg.Chat
	}
	if cfg.Languages == nil {
		cfg.Languages = language.NewTable(nil)
	}
	return &Controller{cfg: cfg}
}

// ConnectionContext is the per-connection state, exclusively owned by the
// RunConnection invocation that created it.
type ConnectionContext struct {
	SessionID string
	ClientIP  string
	Mode      Mode

	lastActivity atomic.Int64
	botSpeaking  atomic.Bool
	state        State

	// pipe is reused across turns; turns are serialized, so no lock.
	pipe *segment.Pipeline
}

func newConnectionContext(clientIP string, mode Mode) *ConnectionContext {
	cc := &ConnectionContext{ClientIP: clientIP, Mode: mode, state: StateConnecting}
	cc.Touch()
	return cc
}

// Touch records inbound activity for the idle supervisor.
func (cc *ConnectionContext) Touch() {
	cc.lastActivity.Store(time.Now().UnixNano())
}

func (cc *ConnectionContext) idleFor() time.Duration {
	return time.Since(time.Unix(0, cc.lastActivity.Load()))
}

// send delivers one outbound frame, blocking until the writer accepts it or
// the connection context ends.
func (c *Controller) send(ctx context.Context, outbound chan<- any, v any) error {
	select {
	case outbound <- v:
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.WSFrames.WithLabelValues("out", frameLabel(v)).Inc()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) sendError(ctx context.Context, outbound chan<- any, text string) {
	_ = c.send(ctx, outbound, protocol.NewStreamError(text))
}

func frameLabel(v any) string {
	switch m := v.(type) {
	case []byte:
		return "audio"
	case protocol.ResponseChunk:
		return string(m.Type)
	case protocol.AudioMetadata:
		return string(m.Type)
	case protocol.ResponseEnd:
		return string(m.Type)
	case protocol.StreamError:
		return string(m.Type)
	default:
		return "other"
	}
}

// resolveVoice picks the synthesis voice for one unit: a valid client
// override wins, then the language profile, then the configured default.
func (c *Controller) resolveVoice(profile language.Profile, override string) string {
	if protocol.ValidVoiceName(override) {
		return override
	}
	if profile.Voice != "" {
		return profile.Voice
	}
	return c.cfg.DefaultVoice
}
