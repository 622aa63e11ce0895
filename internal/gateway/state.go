package gateway

import "fmt"

// State tracks one connection through its lifecycle. Transitions only move
// forward; teardown always passes through Closing before Closed.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Mode selects the connection's capability set. Speech connections accept
// audio input and answer with synthesized audio; text connections exchange
// text frames only.
type Mode int

const (
	ModeText Mode = iota
	ModeSpeech
)

func (m Mode) String() string {
	if m == ModeSpeech {
		return "speech"
	}
	return "text"
}

// CloseError tells the transport layer which websocket close code to use.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %s", e.Code, e.Reason)
}
