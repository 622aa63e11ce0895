package history

import (
	"context"
	"time"
)

// Message is one conversational turn kept in a session's chat history.
type Message struct {
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Store persists and retrieves per-session chat history.
type Store interface {
	Append(ctx context.Context, sessionID string, msg Message) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Clear(ctx context.Context, sessionID string) error
	Close() error
}
