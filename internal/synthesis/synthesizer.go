package synthesis

import "context"

// Synthesizer renders one text unit into audio. It returns the payload and
// the format label the client should see.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, langCode, voice, encoding string) ([]byte, string, error)
}
