// Package transport defines the call-audio I/O boundary shared by the
// socket, event-socket and HTTP polling adapters.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by adapter operations after Close.
var ErrClosed = errors.New("transport: adapter closed")

// Adapter kinds.
const (
	KindSocket      = "socket"
	KindEventSocket = "eventsocket"
	KindPolling     = "polling"
)

// ControlType is an outbound call-control instruction.
type ControlType string

const (
	ControlTransfer ControlType = "transfer"
	ControlHangup   ControlType = "hangup"
)

// Control is sent from the relay to the telephony side.
type Control struct {
	Type      ControlType `json:"type"`
	Extension string      `json:"extension,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// InboundType is a control notice from the telephony side.
type InboundType string

const (
	InboundDTMF   InboundType = "dtmf"
	InboundHangup InboundType = "hangup"
	InboundMark   InboundType = "mark"
)

// Inbound is a non-audio message received from the caller's side.
type Inbound struct {
	Type  InboundType `json:"event"`
	Digit string      `json:"digit,omitempty"`
	Name  string      `json:"name,omitempty"`
}

// Sink consumes what an adapter receives. CallSession implements it.
type Sink interface {
	IngestAudio(pcm []byte) error
	HandleControl(in Inbound)
}

// Adapter is one call's audio transport.
type Adapter interface {
	Kind() string
	// ReceiveAudio pumps inbound audio and control into sink until the
	// caller side goes away, ctx is cancelled, or Close is called.
	ReceiveAudio(ctx context.Context, sink Sink) error
	SendAudio(ctx context.Context, pcm []byte) error
	SendControl(ctx context.Context, c Control) error
	Close() error
}

// TranscriptWriter is implemented by adapters that surface transcript text.
type TranscriptWriter interface {
	WriteTranscript(role, text string)
}

// TurnMarker is implemented by adapters that need to know where an AI
// response ended.
type TurnMarker interface {
	MarkTurnComplete()
}

// EventWriter is implemented by adapters that forward session events such as
// barge-in to the caller side.
type EventWriter interface {
	WriteEvent(name string, data map[string]any)
}
