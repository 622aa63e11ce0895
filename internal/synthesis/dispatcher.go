package synthesis

import (
	"context"
	"fmt"
	"time"

	"github.com/yiwugan/chatagent-ws/internal/protocol"
	"github.com/yiwugan/chatagent-ws/internal/segment"
)

// Dispatcher turns segmented text units into client frames. For every unit
// it emits, in order, the binary audio payload, an audio_metadata frame and
// a response_chunk echo of the spoken text, so captions line up with audio.
type Dispatcher struct {
	synth    Synthesizer
	encoding string

	// OnLatency observes per-unit synthesis duration when set.
	OnLatency func(time.Duration)
}

func NewDispatcher(synth Synthesizer, encoding string) *Dispatcher {
	if encoding == "" {
		encoding = "mp3"
	}
	return &Dispatcher{synth: synth, encoding: encoding}
}

// Speak synthesizes one unit and emits its frame triple through send. A
// synthesis failure leaves the connection intact; the caller decides what
// error frame to surface.
func (d *Dispatcher) Speak(ctx context.Context, unit segment.Unit, voice string, send func(v any) error) error {
	start := time.Now()
	audio, format, err := d.synth.Synthesize(ctx, unit.Text, unit.Profile.LangCode, voice, d.encoding)
	if d.OnLatency != nil {
		d.OnLatency(time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("synthesize %q: %w", unit.Profile.LangCode, err)
	}

	if err := send(audio); err != nil {
		return err
	}
	if err := send(protocol.NewAudioMetadata(format, unit.Profile.LangCode, len(audio))); err != nil {
		return err
	}
	return send(protocol.NewResponseChunk(unit.Text))
}
