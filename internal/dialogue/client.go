package dialogue

import "context"

// Client streams a dialogue response for one user turn. Implementations
// invoke onChunk for every text chunk as it arrives; a non-nil error from
// onChunk aborts the stream.
type Client interface {
	Stream(ctx context.Context, message, sessionID string, onChunk func(string) error) error
}

// doneSentinel terminates a chunked response body.
const doneSentinel = "[DONE]"
