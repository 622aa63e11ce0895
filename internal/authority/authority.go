// Package authority issues and validates session tokens and enforces
// per-session request-rate limits against a shared Redis store, so limits
// hold across reconnects and across gateway replicas.
package authority

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrIPMismatch   = errors.New("token ip mismatch")
	ErrExpired      = errors.New("token expired")
)

const (
	tokenKeyPrefix = "session/token:"
	rateKeyPrefix  = "session/rate:"
	ipKeyPrefix    = "session/ip:"

	rateWindow = 60 * time.Second
)

// tokenRecord is the JSON shape stored under session/token:<token>.
type tokenRecord struct {
	SessionID string    `json:"session_id"`
	IP        string    `json:"ip"`
	IssuedAt  time.Time `json:"issued_at"`
	Expiry    time.Time `json:"expiry"`
}

// rateScript prunes the trailing window, rejects at the limit, otherwise
// records the request and refreshes the key TTL. Running it as one script
// keeps check+record atomic across concurrent connections sharing a session.
var rateScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local member = ARGV[3]

	redis.call('ZREMRANGEBYSCORE', key, 0, now - 60)
	if redis.call('ZCARD', key) >= limit then
		return 0
	end
	redis.call('ZADD', key, now, member)
	redis.call('EXPIRE', key, 60)
	return 1
`)

// Authority validates tokens and rate limits against the shared store.
type Authority struct {
	rdb                  *redis.Client
	tokenTTL             time.Duration
	maxRequestsPerMinute int
	now                  func() time.Time
}

func New(rdb *redis.Client, tokenTTL time.Duration, maxRequestsPerMinute int) *Authority {
	return &Authority{
		rdb:                  rdb,
		tokenTTL:             tokenTTL,
		maxRequestsPerMinute: maxRequestsPerMinute,
		now:                  time.Now,
	}
}

// Issue generates an unguessable token bound to (sessionID, clientIP) and
// stores it with TTL equal to the expiry window. The per-IP session counter
// is bumped with the same TTL.
func (a *Authority) Issue(ctx context.Context, sessionID, clientIP string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	now := a.now().UTC()
	record := tokenRecord{
		SessionID: sessionID,
		IP:        clientIP,
		IssuedAt:  now,
		Expiry:    now.Add(a.tokenTTL),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal token record: %w", err)
	}

	if err := a.rdb.Set(ctx, tokenKeyPrefix+token, data, a.tokenTTL).Err(); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}

	ipKey := ipKeyPrefix + clientIP
	if err := a.rdb.Incr(ctx, ipKey).Err(); err != nil {
		return "", fmt.Errorf("count session for ip: %w", err)
	}
	if err := a.rdb.Expire(ctx, ipKey, a.tokenTTL).Err(); err != nil {
		return "", fmt.Errorf("expire ip counter: %w", err)
	}

	return token, nil
}

// Validate checks a token against the presented client IP and returns the
// bound session id. Expired tokens are evicted on sight; Redis TTL handles
// the common case, the explicit check covers clock drift on restore.
func (a *Authority) Validate(ctx context.Context, token, clientIP string) (string, error) {
	data, err := a.rdb.Get(ctx, tokenKeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			log.Printf("AUDIT: invalid token from IP %s", clientIP)
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("load token: %w", err)
	}

	var record tokenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return "", fmt.Errorf("decode token record: %w", err)
	}

	if record.IP != clientIP {
		log.Printf("AUDIT: token IP mismatch from IP %s", clientIP)
		return "", ErrIPMismatch
	}
	if a.now().After(record.Expiry) {
		_ = a.rdb.Del(ctx, tokenKeyPrefix+token).Err()
		log.Printf("AUDIT: expired token from IP %s", clientIP)
		return "", ErrExpired
	}

	return record.SessionID, nil
}

// Refresh validates the old token and issues a new one carrying the same
// session id. The old token is not revoked; it expires naturally, so a
// request already in flight with it does not fail mid-refresh.
func (a *Authority) Refresh(ctx context.Context, oldToken, clientIP string) (string, error) {
	sessionID, err := a.Validate(ctx, oldToken, clientIP)
	if err != nil {
		return "", err
	}
	return a.Issue(ctx, sessionID, clientIP)
}

// CheckAndRecordRequest atomically prunes the session's rate window to the
// trailing 60 seconds, rejects if the limit is reached, and otherwise
// records the request.
func (a *Authority) CheckAndRecordRequest(ctx context.Context, sessionID string) (bool, error) {
	now := float64(a.now().UnixNano()) / float64(time.Second)
	res, err := rateScript.Run(ctx, a.rdb,
		[]string{rateKeyPrefix + sessionID},
		now, a.maxRequestsPerMinute, uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate check: %w", err)
	}
	return res == 1, nil
}

// SetClock overrides the time source. Test hook.
func (a *Authority) SetClock(now func() time.Time) {
	a.now = now
}

// generateToken returns 32 bytes of randomness, URL-safe base64 encoded.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
