package realtime

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/soyeahso/callrelay/internal/domain"
)

// Kind tags the closed set of events the engine can deliver.
type Kind int

const (
	KindUnknown Kind = iota
	KindSessionCreated
	KindSessionUpdated
	KindBufferCommitted
	KindSpeechStarted
	KindSpeechStopped
	KindItemCreated
	KindInputTranscript
	KindAudioDelta
	KindAudioDone
	KindTranscriptDelta
	KindResponseDone
	KindFunctionCall
	KindError
	// KindClosed is synthesized when the connection drops without Disconnect.
	KindClosed
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindSessionCreated:  "session.created",
	KindSessionUpdated:  "session.updated",
	KindBufferCommitted: "input_audio_buffer.committed",
	KindSpeechStarted:   "input_audio_buffer.speech_started",
	KindSpeechStopped:   "input_audio_buffer.speech_stopped",
	KindItemCreated:     "conversation.item.created",
	KindInputTranscript: "conversation.item.input_audio_transcription.completed",
	KindAudioDelta:      "response.audio.delta",
	KindAudioDone:       "response.audio.done",
	KindTranscriptDelta: "response.audio_transcript.delta",
	KindResponseDone:    "response.done",
	KindFunctionCall:    "response.function_call_arguments.done",
	KindError:           "error",
	KindClosed:          "closed",
}

var kindsByType = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		if k != KindUnknown && k != KindClosed {
			m[name] = k
		}
	}
	return m
}()

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// FunctionCall is a tool invocation requested by the engine.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// Event is one decoded server message.
type Event struct {
	Kind       Kind
	Type       string
	ItemID     string
	ResponseID string
	Role       string
	Text       string
	Audio      []byte
	Status     string
	Call       *FunctionCall
	Err        *domain.UpstreamError
}

// nonTerminalErrors are error types and codes caused by a single bad client
// request. The session carries on after them.
var nonTerminalErrors = map[string]bool{
	"invalid_request_error":                    true,
	"input_audio_buffer_commit_empty":          true,
	"conversation_already_has_active_response": true,
	"response_cancel_not_active":               true,
	"decode_error":                             true,
}

// Terminal reports whether the event must route the call into fallback.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindClosed:
		return true
	case KindError:
		if e.Err == nil {
			return true
		}
		return !nonTerminalErrors[e.Err.Type] && !nonTerminalErrors[e.Err.Code]
	default:
		return false
	}
}

// decodeEvent maps a raw server message onto the event union.
func decodeEvent(raw []byte) Event {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{
			Kind: KindError,
			Type: "decode_error",
			Err:  &domain.UpstreamError{Type: "decode_error", Message: err.Error()},
		}
	}

	ev := Event{
		Kind:       kindsByType[w.Type],
		Type:       w.Type,
		ItemID:     w.ItemID,
		ResponseID: w.ResponseID,
	}

	switch ev.Kind {
	case KindAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(w.Delta)
		if err != nil {
			return Event{
				Kind: KindError,
				Type: w.Type,
				Err:  &domain.UpstreamError{Type: "decode_error", Message: "audio delta: " + err.Error()},
			}
		}
		ev.Audio = pcm
	case KindTranscriptDelta:
		ev.Role = domain.RoleAssistant
		ev.Text = w.Delta
	case KindInputTranscript:
		ev.Role = domain.RoleUser
		ev.Text = strings.TrimSpace(w.Transcript)
	case KindItemCreated:
		if w.Item != nil {
			ev.ItemID = w.Item.ID
			ev.Role = w.Item.Role
			ev.Text = itemText(w.Item)
		}
	case KindResponseDone:
		if w.Response != nil {
			ev.ResponseID = w.Response.ID
			ev.Status = w.Response.Status
		}
	case KindFunctionCall:
		args := json.RawMessage(w.Arguments)
		if strings.TrimSpace(w.Arguments) == "" {
			args = json.RawMessage("{}")
		}
		ev.Call = &FunctionCall{CallID: w.CallID, Name: w.Name, Arguments: args}
	case KindError:
		ev.Err = &domain.UpstreamError{Type: "unknown"}
		if w.Error != nil {
			ev.Err = &domain.UpstreamError{Type: w.Error.Type, Code: w.Error.Code, Message: w.Error.Message}
		}
	}
	return ev
}

// itemText joins the text carried by a conversation item's content parts.
func itemText(item *wireItem) string {
	var parts []string
	for _, c := range item.Content {
		switch {
		case c.Text != "":
			parts = append(parts, c.Text)
		case c.Transcript != "":
			parts = append(parts, c.Transcript)
		}
	}
	return strings.Join(parts, " ")
}
