package recognition

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize = 100
	defaultGrace     = 2 * time.Second
)

// BridgeConfig wires a Bridge to its backend and its consumer.
type BridgeConfig struct {
	Recognizer Recognizer
	QueueSize  int
	Grace      time.Duration
	// OnSpeechStarted fires on the backend's voice-activity onset, before
	// any transcript exists. Barge-in handling hangs off it.
	OnSpeechStarted func()
	OnUtterance     func(text string)
	OnDrop          func()
}

// Bridge relays inbound audio chunks to a recognition backend through a
// bounded queue and hands finalized utterances to OnUtterance. The queue
// drops the newest chunk when full so the network read path never blocks.
type Bridge struct {
	cfg BridgeConfig

	mu      sync.Mutex
	started bool
	stopped bool
	queue   chan []byte
	events  chan Event
	stream  Stream
	cancel  context.CancelFunc

	pumpDone    chan struct{}
	collectDone chan struct{}
	dropped     atomic.Int64
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	return &Bridge{cfg: cfg}
}

// Start resolves the announced format and opens one backend session.
func (b *Bridge) Start(ctx context.Context, mime string) error {
	format, err := ResolveFormat(mime)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("recognition bridge already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	events := make(chan Event, 64)
	stream, err := b.cfg.Recognizer.Open(ctx, format, events)
	if err != nil {
		cancel()
		return err
	}

	b.started = true
	b.queue = make(chan []byte, b.cfg.QueueSize)
	b.events = events
	b.stream = stream
	b.cancel = cancel
	b.pumpDone = make(chan struct{})
	b.collectDone = make(chan struct{})

	go b.pump(ctx)
	go b.collect(ctx)
	return nil
}

// Push enqueues one audio chunk. On a full queue the chunk is dropped and
// counted, never blocking the caller.
func (b *Bridge) Push(chunk []byte) error {
	b.mu.Lock()
	started := b.started && !b.stopped
	queue := b.queue
	b.mu.Unlock()
	if !started {
		return errors.New("recognition bridge not started")
	}

	select {
	case queue <- chunk:
	default:
		b.dropped.Add(1)
		if b.cfg.OnDrop != nil {
			b.cfg.OnDrop()
		}
	}
	return nil
}

// Dropped reports how many chunks were discarded on queue overflow.
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// Stop pushes an end-of-stream sentinel, waits a bounded grace period for
// the relay to drain, then force-cancels. Safe to call at any time,
// including before Start and more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.stopped = true
		b.mu.Unlock()
		return
	}
	b.stopped = true
	queue := b.queue
	b.mu.Unlock()

	select {
	case queue <- nil:
	default:
	}

	timer := time.NewTimer(b.cfg.Grace)
	defer timer.Stop()
	select {
	case <-b.pumpDone:
	case <-timer.C:
		log.Printf("recognition bridge: relay did not drain within %s, cancelling", b.cfg.Grace)
	}
	b.cancel()
}

// pump moves audio from the queue to the backend stream. A nil chunk is the
// end-of-stream sentinel.
func (b *Bridge) pump(ctx context.Context) {
	defer close(b.pumpDone)
	defer b.stream.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-b.queue:
			if chunk == nil {
				return
			}
			if err := b.stream.Write(chunk); err != nil {
				log.Printf("recognition bridge: write to backend failed: %v", err)
				return
			}
		}
	}
}

// collect accumulates finalized transcript segments and flushes one
// utterance whenever the backend signals a voice-activity boundary.
func (b *Bridge) collect(ctx context.Context) {
	defer close(b.collectDone)
	var pending []string
	flush := func() {
		text := strings.TrimSpace(strings.Join(pending, " "))
		pending = pending[:0]
		if text != "" && b.cfg.OnUtterance != nil {
			b.cfg.OnUtterance(text)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.events:
			if !ok {
				flush()
				return
			}
			if ev.Err != nil {
				log.Printf("recognition bridge: backend error: %v", ev.Err)
				continue
			}
			if ev.SpeechStarted && b.cfg.OnSpeechStarted != nil {
				b.cfg.OnSpeechStarted()
			}
			if ev.Final && ev.Transcript != "" {
				pending = append(pending, ev.Transcript)
			}
			if ev.EndOfUtterance {
				flush()
			}
		}
	}
}
