package realtime

import (
	"encoding/json"

	"github.com/soyeahso/callrelay/internal/config"
)

// SessionConfig is the body of a session.update message.
type SessionConfig struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	// TurnDetection is sent as null when local commits drive turns.
	TurnDetection           *TurnDetection   `json:"turn_detection"`
	Tools                   []ToolDefinition `json:"tools,omitempty"`
	ToolChoice              string           `json:"tool_choice,omitempty"`
	Temperature             float64          `json:"temperature,omitempty"`
	MaxResponseOutputTokens int              `json:"max_response_output_tokens,omitempty"`
}

// Transcription selects the model used to transcribe caller audio.
type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// ToolDefinition advertises one callable function to the engine.
type ToolDefinition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// NewSessionConfig builds the negotiated session from relay configuration.
func NewSessionConfig(cfg config.RealtimeConfig, instructions string, tools []ToolDefinition) SessionConfig {
	if instructions == "" {
		instructions = cfg.DefaultInstructions
	}
	sc := SessionConfig{
		Modalities:              cfg.Modalities,
		Voice:                   cfg.Voice,
		Instructions:            instructions,
		InputAudioFormat:        cfg.InputAudioFormat,
		OutputAudioFormat:       cfg.OutputAudioFormat,
		Tools:                   tools,
		ToolChoice:              cfg.ToolChoice,
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: cfg.MaxResponseTokens,
	}
	if cfg.TranscriptionModel != "" {
		sc.InputAudioTranscription = &Transcription{Model: cfg.TranscriptionModel}
	}
	if td := cfg.TurnDetection; td.Type != "" && td.Type != "none" {
		sc.TurnDetection = &TurnDetection{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		}
	}
	if len(tools) == 0 {
		sc.ToolChoice = ""
	}
	return sc
}

// Outbound client message types.
const (
	typeSessionUpdate  = "session.update"
	typeBufferAppend   = "input_audio_buffer.append"
	typeBufferCommit   = "input_audio_buffer.commit"
	typeBufferClear    = "input_audio_buffer.clear"
	typeResponseCreate = "response.create"
	typeItemCreate     = "conversation.item.create"
)

type sessionUpdateMsg struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type appendMsg struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type bareMsg struct {
	Type string `json:"type"`
}

type itemCreateMsg struct {
	Type string             `json:"type"`
	Item functionOutputItem `json:"item"`
}

type functionOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// Inbound wire shapes. Every server event decodes into wireEvent.
type wireEvent struct {
	Type       string        `json:"type"`
	EventID    string        `json:"event_id"`
	Delta      string        `json:"delta"`
	Transcript string        `json:"transcript"`
	ItemID     string        `json:"item_id"`
	ResponseID string        `json:"response_id"`
	CallID     string        `json:"call_id"`
	Name       string        `json:"name"`
	Arguments  string        `json:"arguments"`
	AudioMs    int           `json:"audio_start_ms"`
	AudioEndMs int           `json:"audio_end_ms"`
	Item       *wireItem     `json:"item"`
	Response   *wireResponse `json:"response"`
	Error      *wireError    `json:"error"`
}

type wireItem struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireContent struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

type wireResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
