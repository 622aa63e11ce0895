package synthesis

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MockSynthesizer fabricates deterministic audio for tests and keyless runs.
type MockSynthesizer struct {
	mu    sync.Mutex
	calls []MockCall

	// FailSubstring makes synthesis fail for any text containing it.
	FailSubstring string
}

type MockCall struct {
	Text     string
	LangCode string
	Voice    string
}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (m *MockSynthesizer) Synthesize(ctx context.Context, text, langCode, voice, encoding string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Text: text, LangCode: langCode, Voice: voice})
	m.mu.Unlock()
	if m.FailSubstring != "" && strings.Contains(text, m.FailSubstring) {
		return nil, "", errors.New("synthesis backend refused input")
	}
	return []byte("audio:" + text), "audio/" + encoding, nil
}

func (m *MockSynthesizer) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}
