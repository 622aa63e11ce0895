package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/yiwugan/chatagent-ws/internal/authority"
	"github.com/yiwugan/chatagent-ws/internal/dialogue"
	"github.com/yiwugan/chatagent-ws/internal/history"
	"github.com/yiwugan/chatagent-ws/internal/protocol"
	"github.com/yiwugan/chatagent-ws/internal/recognition"
	"github.com/yiwugan/chatagent-ws/internal/segment"
)

var errResponseTooLarge = errors.New("response buffer limit exceeded")

// RunConnection drives one duplex connection from authentication to ordered
// teardown. Inbound carries raw client frames; outbound receives []byte for
// binary audio and typed structs for JSON frames. The returned error, when
// it is a *CloseError, tells the transport which close code to send.
func (c *Controller) RunConnection(parent context.Context, mode Mode, token, clientIP string, inbound <-chan []byte, outbound chan<- any) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cc := newConnectionContext(clientIP, mode)
	cc.state = StateAuthenticating
	sessionID, err := c.cfg.Authority.Validate(ctx, token, clientIP)
	if err != nil {
		reason, text := classifyAuthError(err)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.AuthFailures.WithLabelValues(reason).Inc()
		}
		c.sendError(ctx, outbound, text)
		return &CloseError{Code: protocol.ClosePolicyViolation, Reason: text}
	}

	allowed, err := c.cfg.Authority.CheckAndRecordRequest(ctx, sessionID)
	if err != nil {
		c.sendError(ctx, outbound, "Internal error")
		return &CloseError{Code: protocol.CloseInternalError, Reason: "session store unavailable"}
	}
	if !allowed {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RateLimitRejections.Inc()
		}
		c.sendError(ctx, outbound, "Rate limit exceeded")
		return &CloseError{Code: protocol.ClosePolicyViolation, Reason: "rate limit exceeded"}
	}

	cc.SessionID = sessionID
	cc.pipe = segment.New(c.cfg.Languages)
	cc.state = StateActive
	c.event("opened")
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ActiveConnections.Inc()
		defer c.cfg.Metrics.ActiveConnections.Dec()
	}
	defer c.event("closed")
	log.Printf("connection active session=%s mode=%s ip=%s", sessionID, mode, clientIP)

	utterances := make(chan string, 8)
	var bridge *recognition.Bridge
	bridgeStarted := false
	speechFailed := false
	if mode == ModeSpeech {
		bridge = recognition.NewBridge(recognition.BridgeConfig{
			Recognizer: c.cfg.Recognizer,
			QueueSize:  c.cfg.AudioQueueLength,
			OnSpeechStarted: func() {
				// Barge-in: the user started talking, stop the bot at the
				// next unit boundary without waiting for the transcript.
				cc.botSpeaking.Store(false)
				cc.Touch()
			},
			OnUtterance: func(text string) {
				select {
				case utterances <- text:
				default:
					log.Printf("utterance dropped, turn backlog full session=%s", sessionID)
				}
			},
			OnDrop: func() {
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.DroppedAudioChunks.Inc()
				}
			},
		})
	}

	var (
		turnMu     sync.Mutex
		turnCancel context.CancelFunc
		turnDone   chan struct{}
	)
	cancelActiveTurn := func() {
		turnMu.Lock()
		cancelFn, done := turnCancel, turnDone
		turnCancel, turnDone = nil, nil
		turnMu.Unlock()
		cc.botSpeaking.Store(false)
		if cancelFn != nil {
			cancelFn()
		}
		if done != nil {
			<-done
		}
	}
	beginTurn := func(client dialogue.Client, text, voiceOverride string) {
		cancelActiveTurn()
		turnCtx, cancelFn := context.WithCancel(ctx)
		done := make(chan struct{})
		turnMu.Lock()
		turnCancel, turnDone = cancelFn, done
		turnMu.Unlock()
		go func() {
			defer close(done)
			defer cancelFn()
			c.runTurn(turnCtx, cc, client, text, voiceOverride, outbound)
		}()
	}

	idleExceeded := make(chan struct{})
	idleDone := make(chan struct{})
	go func() {
		defer close(idleDone)
		ticker := time.NewTicker(c.cfg.IdleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cc.idleFor() > c.cfg.IdleTimeout {
					close(idleExceeded)
					return
				}
			}
		}
	}()

	// Teardown order: idle supervisor first, then the recognition relay,
	// then any in-flight synthesis turn.
	defer func() {
		cc.state = StateClosing
		cancel()
		<-idleDone
		if bridge != nil {
			bridge.Stop()
		}
		cancelActiveTurn()
		if c.cfg.History != nil {
			clearCtx, clearCancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := c.cfg.History.Clear(clearCtx, sessionID); err != nil {
				log.Printf("history clear failed session=%s: %v", sessionID, err)
			}
			clearCancel()
		}
		cc.state = StateClosed
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idleExceeded:
			log.Printf("closing idle connection session=%s idle>%s", sessionID, c.cfg.IdleTimeout)
			c.event("idle_timeout")
			return &CloseError{Code: protocol.CloseIdleTimeout, Reason: "idle timeout"}
		case text := <-utterances:
			cc.Touch()
			beginTurn(c.cfg.Speech, text, "")
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			cc.Touch()
			if mode == ModeText && len(raw) > maxInputSize {
				c.sendError(ctx, outbound, "Input exceeds maximum size limit")
				continue
			}
			msg, err := protocol.ParseClientMessage(raw)
			if errors.Is(err, protocol.ErrUnknownType) {
				log.Printf("ignoring unknown frame type session=%s", sessionID)
				continue
			}
			if err != nil {
				c.sendError(ctx, outbound, "Malformed input")
				continue
			}

			switch m := msg.(type) {
			case protocol.AudioInputChunk:
				c.frameIn("audio_input_chunk")
				if mode != ModeSpeech {
					c.sendError(ctx, outbound, "Audio input not supported on this connection")
					continue
				}
				if speechFailed {
					c.sendError(ctx, outbound, "Speech recognition unavailable")
					continue
				}
				if !bridgeStarted {
					if err := bridge.Start(ctx, m.Format); err != nil {
						if errors.Is(err, recognition.ErrUnsupportedFormat) {
							c.sendError(ctx, outbound, "Unsupported audio format")
							continue
						}
						// Terminal for this connection's speech path. The
						// backend is not re-dialed per chunk.
						speechFailed = true
						log.Printf("recognition setup failed session=%s: %v", sessionID, err)
						if c.cfg.Metrics != nil {
							c.cfg.Metrics.UpstreamErrors.WithLabelValues("recognition").Inc()
						}
						c.sendError(ctx, outbound, "Speech recognition unavailable")
						continue
					}
					bridgeStarted = true
				}
				chunk, err := base64.StdEncoding.DecodeString(m.Audio)
				if err != nil {
					c.sendError(ctx, outbound, "Malformed input")
					continue
				}
				_ = bridge.Push(chunk)

			case protocol.UserInput:
				c.frameIn("userInput")
				text := strings.TrimSpace(m.Text)
				if len(text) > maxInputSize {
					c.sendError(ctx, outbound, "Input exceeds maximum size limit")
					continue
				}
				if text == "" {
					c.sendError(ctx, outbound, "Empty input received")
					continue
				}
				if m.SessionToken != "" && m.SessionToken != token {
					if _, err := c.cfg.Authority.Validate(ctx, m.SessionToken, clientIP); err != nil {
						reason, errText := classifyAuthError(err)
						if c.cfg.Metrics != nil {
							c.cfg.Metrics.AuthFailures.WithLabelValues(reason).Inc()
						}
						c.sendError(ctx, outbound, errText)
						continue
					}
					token = m.SessionToken
				}
				allowed, err := c.cfg.Authority.CheckAndRecordRequest(ctx, sessionID)
				if err != nil {
					c.sendError(ctx, outbound, "Internal error")
					continue
				}
				if !allowed {
					if c.cfg.Metrics != nil {
						c.cfg.Metrics.RateLimitRejections.Inc()
					}
					c.sendError(ctx, outbound, "Rate limit exceeded")
					continue
				}
				if mode == ModeSpeech {
					beginTurn(c.cfg.Speech, text, m.Voice)
				} else {
					beginTurn(c.cfg.Chat, text, "")
				}
			}
		}
	}
}

// runTurn executes one dialogue exchange. It ends with either a
// response_end frame, silence when interrupted, or a stream_error.
func (c *Controller) runTurn(ctx context.Context, cc *ConnectionContext, client dialogue.Client, text, voiceOverride string, outbound chan<- any) {
	c.recordHistory(ctx, cc.SessionID, "You", text)

	var err error
	if cc.Mode == ModeSpeech {
		err = c.runSpeechTurn(ctx, cc, client, text, voiceOverride, outbound)
	} else {
		err = c.runTextTurn(ctx, cc, client, text, outbound)
	}

	switch {
	case err == nil:
		_ = c.send(ctx, outbound, protocol.NewResponseEnd())
	case errors.Is(err, context.Canceled):
		// superseded by newer input
	case errors.Is(err, errResponseTooLarge):
		c.sendError(ctx, outbound, "Response too large")
	default:
		var ue *dialogue.UpstreamError
		if errors.As(err, &ue) {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.UpstreamErrors.WithLabelValues("dialogue").Inc()
			}
			c.sendError(ctx, outbound, ue.Msg)
			return
		}
		log.Printf("turn failed session=%s: %v", cc.SessionID, err)
		c.sendError(ctx, outbound, "Internal error")
	}
}

func (c *Controller) runTextTurn(ctx context.Context, cc *ConnectionContext, client dialogue.Client, text string, outbound chan<- any) error {
	var reply strings.Builder
	total := 0
	err := client.Stream(ctx, text, cc.SessionID, func(chunk string) error {
		if total+len(chunk) > maxResponseBuffer {
			return errResponseTooLarge
		}
		total += len(chunk)
		fixed := dialogue.FixListSpacing(strings.TrimSpace(chunk))
		if fixed == "" {
			return nil
		}
		reply.WriteString(fixed)
		return c.send(ctx, outbound, protocol.NewResponseChunk(fixed))
	})
	if err != nil {
		return err
	}
	c.recordHistory(ctx, cc.SessionID, "Bot", reply.String())
	return nil
}

func (c *Controller) runSpeechTurn(ctx context.Context, cc *ConnectionContext, client dialogue.Client, text, voiceOverride string, outbound chan<- any) error {
	cc.botSpeaking.Store(true)
	defer cc.botSpeaking.Store(false)

	pipe := cc.pipe
	pipe.Reset()
	var spoken []string
	total := 0

	// Interruption is observed between units, never mid-unit.
	speakUnits := func(units []segment.Unit) error {
		for _, unit := range units {
			if ctx.Err() != nil || !cc.botSpeaking.Load() {
				return context.Canceled
			}
			voice := c.resolveVoice(unit.Profile, voiceOverride)
			err := c.cfg.Dispatcher.Speak(ctx, unit, voice, func(v any) error {
				return c.send(ctx, outbound, v)
			})
			if err != nil {
				if ctx.Err() != nil {
					return context.Canceled
				}
				log.Printf("synthesis failed session=%s lang=%s: %v", cc.SessionID, unit.Profile.LangCode, err)
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.UpstreamErrors.WithLabelValues("synthesis").Inc()
				}
				c.sendError(ctx, outbound, "Speech synthesis failed")
				continue
			}
			spoken = append(spoken, unit.Text)
		}
		return nil
	}

	err := client.Stream(ctx, text, cc.SessionID, func(chunk string) error {
		if total+len(chunk) > maxResponseBuffer {
			return errResponseTooLarge
		}
		total += len(chunk)
		pipe.Feed(dialogue.FixListSpacing(chunk))
		return speakUnits(pipe.Drain())
	})
	if err != nil {
		return err
	}
	if unit, ok := pipe.Flush(); ok {
		if err := speakUnits([]segment.Unit{unit}); err != nil {
			return err
		}
	}
	c.recordHistory(ctx, cc.SessionID, "Bot", strings.Join(spoken, " "))
	return nil
}

func (c *Controller) recordHistory(ctx context.Context, sessionID, sender, text string) {
	if c.cfg.History == nil || strings.TrimSpace(text) == "" {
		return
	}
	if err := c.cfg.History.Append(ctx, sessionID, history.Message{Sender: sender, Text: text}); err != nil {
		log.Printf("history append failed session=%s: %v", sessionID, err)
	}
}

func (c *Controller) event(name string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ConnectionEvents.WithLabelValues(name).Inc()
	}
}

func (c *Controller) frameIn(label string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.WSFrames.WithLabelValues("in", label).Inc()
	}
}

func classifyAuthError(err error) (reason, text string) {
	switch {
	case errors.Is(err, authority.ErrIPMismatch):
		return "ip_mismatch", "Authorization failed"
	case errors.Is(err, authority.ErrExpired):
		return "expired", "Authentication failed"
	case errors.Is(err, authority.ErrInvalidToken):
		return "invalid_token", "Authentication failed"
	default:
		return "error", "Authentication failed"
	}
}
