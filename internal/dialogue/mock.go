package dialogue

import (
	"context"
	"fmt"
	"strings"
)

// MockClient provides deterministic local replies when no dialogue backend
// is configured.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Stream(ctx context.Context, message, sessionID string, onChunk func(string) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	base := strings.TrimSpace(message)
	if base == "" {
		base = "I am listening."
	}
	return onChunk(fmt.Sprintf("I heard you: %s", base))
}
