package domain

import (
	"encoding/json"
	"time"
)

// ToolCall is one entry of the session action log. Entries are never
// modified after they are appended.
type ToolCall struct {
	Function  string          `json:"function"`
	Args      json.RawMessage `json:"args"`
	Result    json.RawMessage `json:"result"`
	Failed    bool            `json:"failed,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Fallback actions.
const (
	FallbackTransfer  = "transfer"
	FallbackTerminate = "terminate"
)

// FallbackDecision records what the relay did when the speech engine failed.
type FallbackDecision struct {
	Action    string `json:"action"`
	Extension string `json:"extension,omitempty"`
	Reason    string `json:"reason"`
}

// Summary is the terminal record of a call handed to summary sinks.
type Summary struct {
	CallID        string            `json:"callId"`
	SessionID     string            `json:"sessionId"`
	Context       CallContext       `json:"context"`
	Transport     string            `json:"transport"`
	Status        Status            `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	EndedAt       time.Time         `json:"endedAt"`
	DurationMs    int64             `json:"durationMs"`
	Transcript    []TranscriptEntry `json:"transcript"`
	Actions       []ToolCall        `json:"actions"`
	InboundBytes  int64             `json:"inboundBytes"`
	OutboundBytes int64             `json:"outboundBytes"`
	Fallback      *FallbackDecision `json:"fallback,omitempty"`
}
