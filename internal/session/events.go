package session

import (
	"context"

	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/hooks"
	"github.com/soyeahso/callrelay/internal/realtime"
	"github.com/soyeahso/callrelay/internal/tools"
	"github.com/soyeahso/callrelay/internal/transport"
)

func (s *CallSession) eventLoop() {
	for ev := range s.upstream.Events() {
		s.handleEvent(ev)
	}
}

// handleEvent applies one upstream event. Events for a session that has
// already ended are dropped.
func (s *CallSession) handleEvent(ev realtime.Event) {
	if st := s.Status(); st.Terminal() {
		s.log.Debug().Str("event", ev.Kind.String()).Str("status", string(st)).Msg("dropping event for ended session")
		return
	}
	s.deps.Metrics.RecordUpstreamEvent(ev.Kind.String())

	switch ev.Kind {
	case realtime.KindSessionCreated, realtime.KindSessionUpdated:
		s.log.Debug().Str("event", ev.Type).Msg("upstream session ready")

	case realtime.KindBufferCommitted:
		s.maybeCommit(commitOnVAD)

	case realtime.KindSpeechStarted:
		// Barge-in is surfaced only. Audio already handed to the transport
		// keeps playing.
		s.deps.Hooks.EmitAsync(s.ctx, hooks.EventBargeIn, s.hookData(nil))
		s.writeEvent("speech_started")

	case realtime.KindSpeechStopped:
		s.writeEvent("speech_stopped")

	case realtime.KindItemCreated:
		if ev.Text != "" && ev.Role != domain.RoleAssistant {
			s.appendTranscript(ev.Role, ev.Text)
			s.writeTranscript(ev.Role, ev.Text)
		}

	case realtime.KindInputTranscript:
		if ev.Text != "" {
			s.appendTranscript(domain.RoleUser, ev.Text)
			s.writeTranscript(domain.RoleUser, ev.Text)
		}

	case realtime.KindAudioDelta:
		s.sendAudio(ev.Audio)

	case realtime.KindAudioDone:

	case realtime.KindTranscriptDelta:
		s.mu.Lock()
		s.assistant.WriteString(ev.Text)
		s.mu.Unlock()
		s.writeTranscript(domain.RoleAssistant, ev.Text)

	case realtime.KindResponseDone:
		s.mu.Lock()
		s.flushAssistantLocked()
		s.mu.Unlock()
		if tm, ok := s.adapter.(transport.TurnMarker); ok {
			tm.MarkTurnComplete()
		}

	case realtime.KindFunctionCall:
		if ev.Call != nil {
			go s.runTool(*ev.Call)
		}

	case realtime.KindError, realtime.KindClosed:
		if !ev.Terminal() {
			s.deps.Metrics.RecordUpstreamError(ev.Err.Type, false)
			s.log.Warn().Err(ev.Err).Msg("upstream reported a recoverable error")
			return
		}
		cause := upstreamCause(ev)
		errType := "closed"
		if ev.Err != nil {
			errType = ev.Err.Type
		}
		s.deps.Metrics.RecordUpstreamError(errType, true)
		s.triggerFallback(cause)
	}
}

// flushAssistantLocked turns accumulated assistant transcript deltas into
// one transcript entry.
func (s *CallSession) flushAssistantLocked() {
	if s.assistant.Len() == 0 {
		return
	}
	s.transcript = append(s.transcript, domain.TranscriptEntry{
		Role:      domain.RoleAssistant,
		Text:      s.assistant.String(),
		Timestamp: s.now(),
	})
	s.assistant.Reset()
}

func (s *CallSession) sendAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	s.outbound += int64(len(pcm))
	s.mu.Unlock()
	s.deps.Metrics.RecordAudioOut(len(pcm))
	if err := s.adapter.SendAudio(s.ctx, pcm); err != nil {
		s.log.Warn().Err(err).Int("len", len(pcm)).Msg("sending audio to transport failed")
	}
}

func (s *CallSession) writeTranscript(role, text string) {
	if tw, ok := s.adapter.(transport.TranscriptWriter); ok && text != "" {
		tw.WriteTranscript(role, text)
	}
}

func (s *CallSession) writeEvent(name string) {
	if ew, ok := s.adapter.(transport.EventWriter); ok {
		ew.WriteEvent(name, map[string]any{"callId": s.call.CallID})
	}
}

// runTool executes one tool call off the audio path and feeds the result
// back upstream. A transfer result hands the call to a human instead.
func (s *CallSession) runTool(call realtime.FunctionCall) {
	if s.deps.Tools == nil {
		return
	}
	res := s.deps.Tools.Execute(s.ctx, call.Name, rawArgs(call.Arguments), tools.Context{Call: s.call, Actions: s})
	s.deps.Hooks.EmitAsync(s.ctx, hooks.EventToolCall, s.hookData(map[string]any{
		"tool":   call.Name,
		"failed": res.Failed,
	}))

	if tr, ok := tools.IsTransfer(res); ok {
		s.log.Info().Str("extension", tr.Extension).Str("reason", tr.Reason).Msg("agent requested transfer")
		if s.deps.Fallback != nil {
			s.deps.Fallback.Transfer(context.WithoutCancel(s.ctx), s, tr.Extension, tr.Reason)
		} else if err := s.TransferCall(context.WithoutCancel(s.ctx), tr.Extension, tr.Reason); err == nil {
			s.Complete(tr.Reason)
		}
		return
	}

	if !s.Live() {
		return
	}
	if err := s.upstream.SendFunctionOutput(call.CallID, res.Output); err != nil {
		s.log.Warn().Err(err).Str("tool", call.Name).Msg("returning tool output failed")
	}
}
