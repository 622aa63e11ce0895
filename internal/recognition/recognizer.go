package recognition

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedFormat is returned when a client announces an audio format
// outside the allow-list.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// StreamFormat describes the audio handed to the recognition backend.
// Containerized opus carries its own sample rate, so Encoding and
// SampleRate stay zero for those formats.
type StreamFormat struct {
	MIME       string
	Encoding   string
	SampleRate int
}

// ResolveFormat maps a client-announced MIME type onto a backend stream
// format. Parameters after the first are ignored apart from the codec.
func ResolveFormat(mime string) (StreamFormat, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(mime), " ", ""))
	base, _, _ := strings.Cut(norm, ";")
	switch base {
	case "audio/webm", "audio/ogg":
		if params := strings.TrimPrefix(norm, base); params != "" && !strings.Contains(params, "codecs=opus") {
			return StreamFormat{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mime)
		}
		return StreamFormat{MIME: norm}, nil
	case "audio/l16", "audio/linear16", "linear16":
		return StreamFormat{MIME: norm, Encoding: "linear16", SampleRate: 16000}, nil
	default:
		return StreamFormat{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mime)
	}
}

// Event is one backend notification: a transcript segment, a voice-activity
// boundary, or a terminal error.
type Event struct {
	Transcript     string
	Final          bool
	SpeechStarted  bool
	EndOfUtterance bool
	Err            error
}

// Stream is one live recognition session. Write forwards raw audio bytes;
// Close signals end of audio and releases the session.
type Stream interface {
	Write(chunk []byte) error
	Close() error
}

// Recognizer opens streaming sessions against a speech backend. Events are
// delivered on the provided channel until the session ends.
type Recognizer interface {
	Open(ctx context.Context, format StreamFormat, events chan<- Event) (Stream, error)
}
