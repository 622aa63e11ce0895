package recognition

import (
	"context"
	"sync"
)

// MockRecognizer records opened sessions and lets tests feed backend events
// directly. It stands in for the real backend when no API key is configured.
type MockRecognizer struct {
	mu     sync.Mutex
	format StreamFormat
	events chan<- Event
	stream *MockStream
}

func NewMockRecognizer() *MockRecognizer { return &MockRecognizer{} }

func (r *MockRecognizer) Open(ctx context.Context, format StreamFormat, events chan<- Event) (Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.format = format
	r.events = events
	r.stream = &MockStream{}
	return r.stream, nil
}

// Emit delivers one backend event to the session opened last.
func (r *MockRecognizer) Emit(ev Event) {
	r.mu.Lock()
	events := r.events
	r.mu.Unlock()
	if events != nil {
		events <- ev
	}
}

// EndSession closes the event channel the way a backend does on hangup.
func (r *MockRecognizer) EndSession() {
	r.mu.Lock()
	events := r.events
	r.events = nil
	r.mu.Unlock()
	if events != nil {
		close(events)
	}
}

func (r *MockRecognizer) Format() StreamFormat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.format
}

func (r *MockRecognizer) Stream() *MockStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

// MockStream collects written audio. An installed gate makes Write block
// until the gate channel is closed, simulating a stalled backend.
type MockStream struct {
	mu       sync.Mutex
	chunks   [][]byte
	attempts int
	closed   bool
	gate     chan struct{}
}

func (s *MockStream) SetGate(gate chan struct{}) {
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
}

func (s *MockStream) Write(chunk []byte) error {
	s.mu.Lock()
	s.attempts++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.mu.Unlock()
	return nil
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MockStream) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func (s *MockStream) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
