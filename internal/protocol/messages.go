package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAudioInputChunk MessageType = "audio_input_chunk"
	TypeUserInput       MessageType = "userInput"

	TypeResponseChunk MessageType = "response_chunk"
	TypeAudioMetadata MessageType = "audio_metadata"
	TypeResponseEnd   MessageType = "response_end"
	TypeStreamError   MessageType = "stream_error"
)

// Close codes used by the gateway.
const (
	CloseNormal          = 1000
	CloseIdleTimeout     = 1001
	ClosePolicyViolation = 1002
	CloseInternalError   = 1011
)

var (
	ErrUnknownType = errors.New("unknown message type")

	voiceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioInputChunk carries one base64-encoded segment of microphone audio.
type AudioInputChunk struct {
	Type   MessageType `json:"type"`
	Format string      `json:"format"`
	Audio  string      `json:"audio"`
}

// UserInput is a typed text message. SessionToken is optional: tokens may be
// refreshed mid-connection, so the in-band token can differ from the one
// presented at connect time. Voice optionally overrides the synthesis voice.
type UserInput struct {
	Type         MessageType `json:"type"`
	Text         string      `json:"text"`
	SessionToken string      `json:"session_token,omitempty"`
	Voice        string      `json:"voice,omitempty"`
}

type ResponseChunk struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// AudioMetadata follows each binary audio frame and describes it.
type AudioMetadata struct {
	Type     MessageType `json:"type"`
	Format   string      `json:"format"`
	LangCode string      `json:"lang_code"`
	Length   int         `json:"length"`
}

type ResponseEnd struct {
	Type MessageType `json:"type"`
}

type StreamError struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

func NewResponseChunk(text string) ResponseChunk {
	return ResponseChunk{Type: TypeResponseChunk, Text: text}
}

func NewAudioMetadata(format, langCode string, length int) AudioMetadata {
	return AudioMetadata{Type: TypeAudioMetadata, Format: format, LangCode: langCode, Length: length}
}

func NewResponseEnd() ResponseEnd {
	return ResponseEnd{Type: TypeResponseEnd}
}

func NewStreamError(text string) StreamError {
	return StreamError{Type: TypeStreamError, Text: text}
}

// ParseClientMessage decodes an inbound text frame into its typed form.
// Frames with a well-formed envelope but an unrecognized type return
// ErrUnknownType so the caller can ignore them with a warning.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudioInputChunk:
		var msg AudioInputChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Format == "" || msg.Audio == "" {
			return nil, errors.New("invalid audio_input_chunk")
		}
		return msg, nil
	case TypeUserInput:
		var msg UserInput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnknownType
	}
}

// ValidVoiceName reports whether a client-supplied voice override is safe to
// forward to the synthesis backend.
func ValidVoiceName(name string) bool {
	return name != "" && voiceNamePattern.MatchString(name)
}
