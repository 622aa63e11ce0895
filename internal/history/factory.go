package history

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewStore builds the chat-history store. Redis is always the primary; when
// a database URL is configured, appends are additionally archived to
// Postgres while reads and clears stay on Redis.
func NewStore(ctx context.Context, rdb *redis.Client, ttl time.Duration, databaseURL string) (Store, error) {
	primary := NewRedisStore(rdb, ttl)
	if databaseURL == "" {
		return primary, nil
	}
	archive, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	log.Printf("chat history archive enabled (postgres)")
	return &teeStore{primary: primary, archive: archive}, nil
}

// teeStore duplicates appends into the archive. Archive failures are logged
// and do not fail the caller; the live path must not depend on the archive.
type teeStore struct {
	primary *RedisStore
	archive *PostgresStore
}

func (s *teeStore) Append(ctx context.Context, sessionID string, msg Message) error {
	if err := s.archive.Append(ctx, sessionID, msg); err != nil {
		log.Printf("history archive append failed: %v", err)
	}
	return s.primary.Append(ctx, sessionID, msg)
}

func (s *teeStore) Recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	return s.primary.Recent(ctx, sessionID, limit)
}

func (s *teeStore) Clear(ctx context.Context, sessionID string) error {
	return s.primary.Clear(ctx, sessionID)
}

func (s *teeStore) Close() error {
	err := s.primary.Close()
	if cerr := s.archive.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
