package recognition

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listen "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// DeepgramRecognizer opens live transcription sessions against Deepgram's
// streaming API with interim results and native voice-activity events.
type DeepgramRecognizer struct {
	apiKey   string
	model    string
	language string
}

func NewDeepgramRecognizer(apiKey, model, language string) *DeepgramRecognizer {
	if model == "" {
		model = "nova-2"
	}
	if language == "" {
		language = "multi"
	}
	return &DeepgramRecognizer{apiKey: apiKey, model: model, language: language}
}

func (r *DeepgramRecognizer) Open(ctx context.Context, format StreamFormat, events chan<- Event) (Stream, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.model,
		Language:       r.language,
		Encoding:       format.Encoding,
		SampleRate:     format.SampleRate,
		InterimResults: true,
		VadEvents:      true,
		SmartFormat:    true,
		UtteranceEndMs: "1000",
	}
	cb := &deepgramCallback{events: events}

	dg, err := listen.NewWSUsingCallback(ctx, r.apiKey, &interfaces.ClientOptions{EnableKeepAlive: true}, tOptions, cb)
	if err != nil {
		return nil, fmt.Errorf("create deepgram client: %w", err)
	}
	if connected := dg.Connect(); !connected {
		return nil, fmt.Errorf("deepgram connection failed")
	}

	pr, pw := io.Pipe()
	go func() {
		if err := dg.Stream(pr); err != nil && ctx.Err() == nil {
			log.Printf("deepgram stream ended: %v", err)
		}
	}()

	return &deepgramStream{pw: pw, client: dg}, nil
}

type deepgramStream struct {
	pw     *io.PipeWriter
	client *listen.WSCallback
	once   sync.Once
}

func (s *deepgramStream) Write(chunk []byte) error {
	_, err := s.pw.Write(chunk)
	return err
}

func (s *deepgramStream) Close() error {
	s.once.Do(func() {
		_ = s.pw.Close()
		s.client.Stop()
	})
	return nil
}

// deepgramCallback translates SDK notifications into Events. Sends never
// block; a full channel discards the notification.
type deepgramCallback struct {
	events    chan<- Event
	closeOnce sync.Once
}

func (c *deepgramCallback) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *deepgramCallback) Open(or *msginterfaces.OpenResponse) error { return nil }

func (c *deepgramCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	if mr.IsFinal || mr.SpeechFinal {
		c.emit(Event{Transcript: transcript, Final: true, EndOfUtterance: mr.SpeechFinal})
	}
	return nil
}

func (c *deepgramCallback) Metadata(md *msginterfaces.MetadataResponse) error { return nil }

func (c *deepgramCallback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.emit(Event{SpeechStarted: true})
	return nil
}

func (c *deepgramCallback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.emit(Event{EndOfUtterance: true})
	return nil
}

func (c *deepgramCallback) Close(cr *msginterfaces.CloseResponse) error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *deepgramCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.emit(Event{Err: fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg)})
	return nil
}

func (c *deepgramCallback) UnhandledEvent(byData []byte) error { return nil }
