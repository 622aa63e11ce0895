package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yiwugan/chatagent-ws/internal/authority"
	"github.com/yiwugan/chatagent-ws/internal/history"
	"github.com/yiwugan/chatagent-ws/internal/language"
	"github.com/yiwugan/chatagent-ws/internal/protocol"
	"github.com/yiwugan/chatagent-ws/internal/recognition"
	"github.com/yiwugan/chatagent-ws/internal/synthesis"
)

type fakeDialogue struct {
	script func(ctx context.Context, message string, onChunk func(string) error) error
}

func (f *fakeDialogue) Stream(ctx context.Context, message, sessionID string, onChunk func(string) error) error {
	return f.script(ctx, message, onChunk)
}

func chunkedDialogue(chunks ...string) *fakeDialogue {
	return &fakeDialogue{script: func(ctx context.Context, _ string, onChunk func(string) error) error {
		for _, c := range chunks {
			if err := onChunk(c); err != nil {
				return err
			}
		}
		return nil
	}}
}

type harness struct {
	auth       *authority.Authority
	rdb        *redis.Client
	controller *Controller
	recognizer *recognition.MockRecognizer
	synth      *synthesis.MockSynthesizer
	inbound    chan []byte
	outbound   chan any
	result     chan error
}

func newHarness(t *testing.T, mutate func(*ControllerConfig)) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		auth:       authority.New(rdb, 15*time.Minute, 100),
		rdb:        rdb,
		recognizer: recognition.NewMockRecognizer(),
		synth:      synthesis.NewMockSynthesizer(),
		inbound:    make(chan []byte, 16),
		outbound:   make(chan any, 64),
		result:     make(chan error, 1),
	}
	cfg := ControllerConfig{
		Authority:         h.auth,
		Chat:              chunkedDialogue("Hello ", "there."),
		Speech:            chunkedDialogue("One. Two."),
		Recognizer:        h.recognizer,
		Dispatcher:        synthesis.NewDispatcher(h.synth, "mp3"),
		Languages:         language.NewTable(nil),
		DefaultVoice:      "en-US-Wavenet-C",
		IdleTimeout:       time.Minute,
		IdleCheckInterval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.controller = NewController(cfg)
	return h
}

func (h *harness) issue(t *testing.T, sessionID, ip string) string {
	t.Helper()
	token, err := h.auth.Issue(context.Background(), sessionID, ip)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}

func (h *harness) run(ctx context.Context, mode Mode, token, ip string) {
	go func() {
		h.result <- h.controller.RunConnection(ctx, mode, token, ip, h.inbound, h.outbound)
	}()
}

func (h *harness) nextFrame(t *testing.T) any {
	t.Helper()
	select {
	case v := <-h.outbound:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for RunConnection to return")
		return nil
	}
}

func userInputFrame(t *testing.T, text, token, voice string) []byte {
	t.Helper()
	raw, err := json.Marshal(protocol.UserInput{Type: protocol.TypeUserInput, Text: text, SessionToken: token, Voice: voice})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func audioFrame(t *testing.T, format string, audio []byte) []byte {
	t.Helper()
	raw, err := json.Marshal(protocol.AudioInputChunk{
		Type:   protocol.TypeAudioInputChunk,
		Format: format,
		Audio:  base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestInvalidTokenClosesWithPolicyViolation(t *testing.T) {
	h := newHarness(t, nil)
	h.run(context.Background(), ModeText, "no-such-token", "10.0.0.1")

	frame := h.nextFrame(t)
	se, ok := frame.(protocol.StreamError)
	if !ok || se.Text != "Authentication failed" {
		t.Fatalf("frame = %#v, want authentication stream_error", frame)
	}

	var ce *CloseError
	if err := h.wait(t); !errors.As(err, &ce) || ce.Code != protocol.ClosePolicyViolation {
		t.Fatalf("RunConnection() error = %v, want close 1002", err)
	}
}

func TestIPMismatchClosesWithPolicyViolation(t *testing.T) {
	h := newHarness(t, nil)
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeText, token, "172.16.0.9")

	frame := h.nextFrame(t)
	se, ok := frame.(protocol.StreamError)
	if !ok || se.Text != "Authorization failed" {
		t.Fatalf("frame = %#v, want authorization stream_error", frame)
	}
	var ce *CloseError
	if err := h.wait(t); !errors.As(err, &ce) || ce.Code != protocol.ClosePolicyViolation {
		t.Fatalf("RunConnection() error = %v, want close 1002", err)
	}
}

func TestTextTurnStreamsChunksThenEnd(t *testing.T) {
	h := newHarness(t, nil)
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeText, token, "10.0.0.1")

	h.inbound <- userInputFrame(t, "hi", "", "")

	for _, want := range []string{"Hello", "there."} {
		frame := h.nextFrame(t)
		chunk, ok := frame.(protocol.ResponseChunk)
		if !ok || chunk.Text != want {
			t.Fatalf("frame = %#v, want response_chunk %q", frame, want)
		}
	}
	if _, ok := h.nextFrame(t).(protocol.ResponseEnd); !ok {
		t.Fatal("missing response_end after text turn")
	}

	close(h.inbound)
	if err := h.wait(t); err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
}

func TestTextTurnInputValidation(t *testing.T) {
	h := newHarness(t, nil)
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeText, token, "10.0.0.1")

	h.inbound <- userInputFrame(t, "   ", "", "")
	if se, ok := h.nextFrame(t).(protocol.StreamError); !ok || se.Text != "Empty input received" {
		t.Fatalf("empty input: got %#v", se)
	}

	big := make([]byte, maxInputSize+1)
	for i := range big {
		big[i] = 'a'
	}
	h.inbound <- userInputFrame(t, string(big), "", "")
	if se, ok := h.nextFrame(t).(protocol.StreamError); !ok || se.Text != "Input exceeds maximum size limit" {
		t.Fatalf("oversized input: got %#v", se)
	}

	h.inbound <- []byte(`{"type":"userInput","text":`)
	if se, ok := h.nextFrame(t).(protocol.StreamError); !ok || se.Text != "Malformed input" {
		t.Fatalf("malformed input: got %#v", se)
	}

	// Unknown frame types are ignored, the connection stays usable.
	h.inbound <- []byte(`{"type":"ping"}`)
	h.inbound <- userInputFrame(t, "hi", "", "")
	if chunk, ok := h.nextFrame(t).(protocol.ResponseChunk); !ok || chunk.Text != "Hello" {
		t.Fatalf("connection unusable after unknown frame: got %#v", chunk)
	}

	close(h.inbound)
	_ = h.wait(t)
}

func TestInBandTokenRevalidation(t *testing.T) {
	h := newHarness(t, nil)
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeText, token, "10.0.0.1")

	h.inbound <- userInputFrame(t, "hi", "bogus-token", "")
	if se, ok := h.nextFrame(t).(protocol.StreamError); !ok || se.Text != "Authentication failed" {
		t.Fatalf("bad in-band token: got %#v", se)
	}

	refreshed, err := h.auth.Refresh(context.Background(), token, "10.0.0.1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	h.inbound <- userInputFrame(t, "hi", refreshed, "")
	if chunk, ok := h.nextFrame(t).(protocol.ResponseChunk); !ok || chunk.Text != "Hello" {
		t.Fatalf("refreshed token rejected: got %#v", chunk)
	}

	close(h.inbound)
	_ = h.wait(t)
}

func TestPerMessageRateLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.controller.cfg.Authority = authority.New(h.rdb, 15*time.Minute, 2)
	h.auth = h.controller.cfg.Authority
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeText, token, "10.0.0.1")

	// Connection setup consumed one slot; the first message takes the second.
	h.inbound <- userInputFrame(t, "hi", "", "")
	if _, ok := h.nextFrame(t).(protocol.ResponseChunk); !ok {
		t.Fatal("first message should pass the limiter")
	}
	h.nextFrame(t) // second chunk
	h.nextFrame(t) // response_end

	h.inbound <- userInputFrame(t, "hi again", "", "")
	if se, ok := h.nextFrame(t).(protocol.StreamError); !ok || se.Text != "Rate limit exceeded" {
		t.Fatalf("rate limited message: got %#v", se)
	}

	close(h.inbound)
	_ = h.wait(t)
}

func TestIdleTimeoutCloses(t *testing.T) {
	h := newHarness(t, func(cfg *ControllerConfig) {
		cfg.IdleTimeout = 50 * time.Millisecond
		cfg.IdleCheckInterval = 10 * time.Millisecond
	})
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeText, token, "10.0.0.1")

	var ce *CloseError
	if err := h.wait(t); !errors.As(err, &ce) || ce.Code != protocol.CloseIdleTimeout {
		t.Fatalf("RunConnection() error = %v, want close 1001", err)
	}
}

func TestActivityDefersIdleClose(t *testing.T) {
	h := newHarness(t, func(cfg *ControllerConfig) {
		cfg.IdleTimeout = 500 * time.Millisecond
		cfg.IdleCheckInterval = 50 * time.Millisecond
	})
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeText, token, "10.0.0.1")

	for i := 0; i < 6; i++ {
		time.Sleep(150 * time.Millisecond)
		select {
		case err := <-h.result:
			t.Fatalf("connection closed despite activity: %v", err)
		default:
		}
		h.inbound <- []byte(`{"type":"ping"}`)
	}

	var ce *CloseError
	if err := h.wait(t); !errors.As(err, &ce) || ce.Code != protocol.CloseIdleTimeout {
		t.Fatalf("RunConnection() error = %v, want close 1001 after activity stops", err)
	}
}

func TestSpeechTurnEmitsOrderedTriples(t *testing.T) {
	h := newHarness(t, nil)
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeSpeech, token, "10.0.0.1")

	h.inbound <- userInputFrame(t, "tell me", "", "")

	for _, want := range []string{"One.", "Two."} {
		audio, ok := h.nextFrame(t).([]byte)
		if !ok {
			t.Fatalf("expected binary audio frame for %q", want)
		}
		meta, ok := h.nextFrame(t).(protocol.AudioMetadata)
		if !ok || meta.Length != len(audio) || meta.LangCode != "en-US" {
			t.Fatalf("bad audio_metadata for %q: %#v", want, meta)
		}
		echo, ok := h.nextFrame(t).(protocol.ResponseChunk)
		if !ok || echo.Text != want {
			t.Fatalf("bad text echo: %#v, want %q", echo, want)
		}
	}
	if _, ok := h.nextFrame(t).(protocol.ResponseEnd); !ok {
		t.Fatal("missing response_end after speech turn")
	}

	close(h.inbound)
	_ = h.wait(t)
}

func TestSpeechAudioPathDrivesTurn(t *testing.T) {
	h := newHarness(t, func(cfg *ControllerConfig) {
		cfg.Speech = chunkedDialogue("Sure thing.")
	})
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeSpeech, token, "10.0.0.1")

	h.inbound <- audioFrame(t, "audio/webm;codecs=opus", []byte("pcm-ish"))

	deadline := time.Now().Add(2 * time.Second)
	for h.recognizer.Stream() == nil {
		if time.Now().After(deadline) {
			t.Fatal("bridge never opened a recognition stream")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.recognizer.Emit(recognition.Event{Transcript: "what is the weather", Final: true, EndOfUtterance: true})

	if _, ok := h.nextFrame(t).([]byte); !ok {
		t.Fatal("expected audio frame from transcript-driven turn")
	}
	if _, ok := h.nextFrame(t).(protocol.AudioMetadata); !ok {
		t.Fatal("expected audio_metadata")
	}
	if echo, ok := h.nextFrame(t).(protocol.ResponseChunk); !ok || echo.Text != "Sure thing." {
		t.Fatalf("bad echo: %#v", echo)
	}
	if _, ok := h.nextFrame(t).(protocol.ResponseEnd); !ok {
		t.Fatal("missing response_end")
	}

	close(h.inbound)
	_ = h.wait(t)
}

// failingRecognizer rejects every session the way a backend with bad
// credentials does, counting how often it was dialed.
type failingRecognizer struct {
	opens atomic.Int32
}

func (r *failingRecognizer) Open(context.Context, recognition.StreamFormat, chan<- recognition.Event) (recognition.Stream, error) {
	r.opens.Add(1)
	return nil, errors.New("invalid credentials")
}

func TestRecognitionSetupFailureIsTerminal(t *testing.T) {
	failing := &failingRecognizer{}
	h := newHarness(t, func(cfg *ControllerConfig) {
		cfg.Recognizer = failing
	})
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeSpeech, token, "10.0.0.1")

	// Each chunk gets an error frame, but the backend is dialed only once.
	for i := 0; i < 3; i++ {
		h.inbound <- audioFrame(t, "audio/webm;codecs=opus", []byte("pcm"))
		if se, ok := h.nextFrame(t).(protocol.StreamError); !ok || se.Text != "Speech recognition unavailable" {
			t.Fatalf("chunk %d: got %#v, want recognition stream_error", i, se)
		}
	}
	if got := failing.opens.Load(); got != 1 {
		t.Fatalf("backend opened %d times, want 1", got)
	}

	// Typed input still works on the same connection.
	h.inbound <- userInputFrame(t, "tell me", "", "")
	for {
		if _, ok := h.nextFrame(t).(protocol.ResponseEnd); ok {
			break
		}
	}

	close(h.inbound)
	_ = h.wait(t)
}

func TestSpeechOnsetInterruptsAtUnitBoundary(t *testing.T) {
	h := newHarness(t, func(cfg *ControllerConfig) {
		cfg.Speech = &fakeDialogue{script: func(ctx context.Context, message string, onChunk func(string) error) error {
			if message != "barge" {
				return onChunk("Done.")
			}
			for i := 0; ; i++ {
				if err := onChunk(fmt.Sprintf("Unit%d. ", i)); err != nil {
					return err
				}
			}
		}}
	})
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeSpeech, token, "10.0.0.1")

	// Open the recognition session so voice-activity events can arrive.
	h.inbound <- audioFrame(t, "audio/webm;codecs=opus", []byte("pcm"))
	deadline := time.Now().Add(2 * time.Second)
	for h.recognizer.Stream() == nil {
		if time.Now().After(deadline) {
			t.Fatal("bridge never opened a recognition stream")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.inbound <- userInputFrame(t, "barge", "", "")
	if _, ok := h.nextFrame(t).([]byte); !ok {
		t.Fatal("expected first audio frame")
	}

	h.recognizer.Emit(recognition.Event{SpeechStarted: true})

	// In-flight frames drain, then the stream goes quiet with no
	// response_end: the turn was cut at a unit boundary, not completed.
drain:
	for {
		select {
		case frame := <-h.outbound:
			if _, ok := frame.(protocol.ResponseEnd); ok {
				t.Fatal("interrupted turn still emitted response_end")
			}
		case <-time.After(300 * time.Millisecond):
			break drain
		}
	}

	// The finalized utterance that follows drives a fresh turn.
	h.recognizer.Emit(recognition.Event{Transcript: "and another thing", Final: true, EndOfUtterance: true})
	if _, ok := h.nextFrame(t).([]byte); !ok {
		t.Fatal("expected audio frame from follow-up turn")
	}
	h.nextFrame(t) // metadata
	if echo, ok := h.nextFrame(t).(protocol.ResponseChunk); !ok || echo.Text != "Done." {
		t.Fatalf("bad follow-up echo: %#v", echo)
	}
	if _, ok := h.nextFrame(t).(protocol.ResponseEnd); !ok {
		t.Fatal("missing response_end for follow-up turn")
	}

	close(h.inbound)
	_ = h.wait(t)
}

func TestLanguageDirectiveDoesNotLeakAcrossTurns(t *testing.T) {
	h := newHarness(t, func(cfg *ControllerConfig) {
		cfg.Speech = &fakeDialogue{script: func(ctx context.Context, message string, onChunk func(string) error) error {
			if message == "french" {
				return onChunk("language-name:FRENCH Bonjour.")
			}
			return onChunk("Hello.")
		}}
	})
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeSpeech, token, "10.0.0.1")

	h.inbound <- userInputFrame(t, "french", "", "")
	h.nextFrame(t) // audio
	if meta, ok := h.nextFrame(t).(protocol.AudioMetadata); !ok || meta.LangCode != "fr-FR" {
		t.Fatalf("first turn metadata = %#v, want fr-FR", meta)
	}
	h.nextFrame(t) // echo
	if _, ok := h.nextFrame(t).(protocol.ResponseEnd); !ok {
		t.Fatal("missing response_end for first turn")
	}

	h.inbound <- userInputFrame(t, "plain", "", "")
	h.nextFrame(t) // audio
	if meta, ok := h.nextFrame(t).(protocol.AudioMetadata); !ok || meta.LangCode != "en-US" {
		t.Fatalf("second turn metadata = %#v, want en-US after directive turn", meta)
	}

	close(h.inbound)
	_ = h.wait(t)
}

func TestUnsupportedAudioFormat(t *testing.T) {
	h := newHarness(t, nil)
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeSpeech, token, "10.0.0.1")

	h.inbound <- audioFrame(t, "audio/mpeg", []byte("nope"))
	if se, ok := h.nextFrame(t).(protocol.StreamError); !ok || se.Text != "Unsupported audio format" {
		t.Fatalf("got %#v, want unsupported format stream_error", se)
	}

	close(h.inbound)
	_ = h.wait(t)
}

func TestNewInputInterruptsSpeechAtUnitBoundary(t *testing.T) {
	firstTurnStarted := make(chan struct{})
	h := newHarness(t, func(cfg *ControllerConfig) {
		cfg.Speech = &fakeDialogue{script: func(ctx context.Context, message string, onChunk func(string) error) error {
			if message == "first" {
				if err := onChunk("One. "); err != nil {
					return err
				}
				close(firstTurnStarted)
				<-ctx.Done()
				return ctx.Err()
			}
			return onChunk("Again.")
		}}
	})
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeSpeech, token, "10.0.0.1")

	h.inbound <- userInputFrame(t, "first", "", "")

	// First unit goes out, then the backend stalls mid-response.
	if _, ok := h.nextFrame(t).([]byte); !ok {
		t.Fatal("expected first audio frame")
	}
	h.nextFrame(t) // metadata
	if echo, ok := h.nextFrame(t).(protocol.ResponseChunk); !ok || echo.Text != "One." {
		t.Fatalf("bad first echo: %#v", echo)
	}
	<-firstTurnStarted

	h.inbound <- userInputFrame(t, "second", "", "")

	if _, ok := h.nextFrame(t).([]byte); !ok {
		t.Fatal("expected audio frame from second turn")
	}
	h.nextFrame(t) // metadata
	if echo, ok := h.nextFrame(t).(protocol.ResponseChunk); !ok || echo.Text != "Again." {
		t.Fatalf("bad second echo: %#v", echo)
	}
	if _, ok := h.nextFrame(t).(protocol.ResponseEnd); !ok {
		t.Fatal("missing response_end for second turn")
	}

	// The interrupted turn never produced further units.
	for _, call := range h.synth.Calls() {
		if call.Text != "One." && call.Text != "Again." {
			t.Fatalf("unexpected synthesis call %q after interruption", call.Text)
		}
	}

	close(h.inbound)
	_ = h.wait(t)
}

func TestSynthesisFailureKeepsConnection(t *testing.T) {
	h := newHarness(t, func(cfg *ControllerConfig) {
		cfg.Speech = chunkedDialogue("Bad unit. Good unit.")
	})
	h.synth.FailSubstring = "Bad"
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeSpeech, token, "10.0.0.1")

	h.inbound <- userInputFrame(t, "go", "", "")

	if se, ok := h.nextFrame(t).(protocol.StreamError); !ok || se.Text != "Speech synthesis failed" {
		t.Fatalf("got %#v, want synthesis stream_error", se)
	}
	if _, ok := h.nextFrame(t).([]byte); !ok {
		t.Fatal("second unit should still be synthesized")
	}
	h.nextFrame(t) // metadata
	if echo, ok := h.nextFrame(t).(protocol.ResponseChunk); !ok || echo.Text != "Good unit." {
		t.Fatalf("bad echo: %#v", echo)
	}
	if _, ok := h.nextFrame(t).(protocol.ResponseEnd); !ok {
		t.Fatal("missing response_end")
	}

	close(h.inbound)
	_ = h.wait(t)
}

func TestHistoryClearedOnDisconnect(t *testing.T) {
	var store history.Store
	h := newHarness(t, nil)
	store = history.NewRedisStore(h.rdb, time.Hour)
	h.controller.cfg.History = store
	token := h.issue(t, "session-1", "10.0.0.1")
	h.run(context.Background(), ModeText, token, "10.0.0.1")

	h.inbound <- userInputFrame(t, "hi", "", "")
	h.nextFrame(t) // Hello
	h.nextFrame(t) // there.
	h.nextFrame(t) // response_end

	msgs, err := store.Recent(context.Background(), "session-1", 10)
	if err != nil || len(msgs) == 0 {
		t.Fatalf("history during connection: msgs=%d err=%v", len(msgs), err)
	}

	close(h.inbound)
	if err := h.wait(t); err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
	msgs, err = store.Recent(context.Background(), "session-1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("history not cleared on disconnect: %d messages remain", len(msgs))
	}
}
