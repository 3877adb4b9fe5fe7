package session

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/callrelay/internal/audio"
	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/fallback"
	"github.com/soyeahso/callrelay/internal/hooks"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/realtime"
	"github.com/soyeahso/callrelay/internal/tools"
	"github.com/soyeahso/callrelay/internal/transport"
)

const (
	summaryTimeout  = 10 * time.Second
	fallbackTimeout = 15 * time.Second
)

// Info is a point-in-time view of a session.
type Info struct {
	SessionID      string                   `json:"sessionId"`
	CallID         string                   `json:"callId"`
	Context        domain.CallContext       `json:"context"`
	Transport      string                   `json:"transport"`
	Status         domain.Status            `json:"status"`
	CreatedAt      time.Time                `json:"createdAt"`
	LastActivityAt time.Time                `json:"lastActivityAt"`
	InboundBytes   int64                    `json:"inboundBytes"`
	OutboundBytes  int64                    `json:"outboundBytes"`
	Transcript     []domain.TranscriptEntry `json:"transcript"`
	Actions        []domain.ToolCall        `json:"actions"`
}

// CallSession bridges one call's transport to one upstream connection.
type CallSession struct {
	id       string
	call     domain.CallContext
	adapter  transport.Adapter
	upstream Upstream
	deps     *Deps
	log      *logging.Logger
	mode     audio.CommitMode
	window   *audio.CommitWindow
	now      func() time.Time
	onEnd    func(*CallSession, domain.Summary)

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	status       domain.Status
	reason       string
	createdAt    time.Time
	lastActivity time.Time
	transcript   []domain.TranscriptEntry
	actions      []domain.ToolCall
	inbound      int64
	outbound     int64
	assistant    strings.Builder
	decision     *domain.FallbackDecision
	summary      *domain.Summary

	startOnce    sync.Once
	startErr     error
	teardownOnce sync.Once
	fallbackOnce sync.Once
	done         chan struct{}
}

var (
	_ transport.Sink       = (*CallSession)(nil)
	_ fallback.Target      = (*CallSession)(nil)
	_ tools.ActionRecorder = (*CallSession)(nil)
)

func newSession(cc domain.CallContext, adapter transport.Adapter, deps *Deps, now func() time.Time, onEnd func(*CallSession, domain.Summary)) *CallSession {
	log := deps.Log.ForCall(cc.CallID)
	ctx, cancel := context.WithCancel(context.Background())
	t := now()
	return &CallSession{
		id:           uuid.NewString(),
		call:         cc,
		adapter:      adapter,
		upstream:     deps.NewUpstream(log),
		deps:         deps,
		log:          log,
		mode:         deps.commitMode(adapter.Kind()),
		window:       audio.NewCommitWindow(deps.commitInterval(), t),
		now:          now,
		onEnd:        onEnd,
		ctx:          ctx,
		cancel:       cancel,
		status:       domain.StatusCreated,
		createdAt:    t,
		lastActivity: t,
		done:         make(chan struct{}),
	}
}

// ID is the relay-generated session id.
func (s *CallSession) ID() string { return s.id }

// Call returns the call metadata.
func (s *CallSession) Call() domain.CallContext { return s.call }

// Adapter returns the session's transport.
func (s *CallSession) Adapter() transport.Adapter { return s.adapter }

// Status returns the current lifecycle state.
func (s *CallSession) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Live reports whether the session still accepts audio.
func (s *CallSession) Live() bool { return s.Status() == domain.StatusActive }

// LastActivity returns when inbound audio or control last arrived.
func (s *CallSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Done is closed once teardown has finished.
func (s *CallSession) Done() <-chan struct{} { return s.done }

// Start connects upstream and begins pumping audio. Only the first call does
// any work; later calls return the first result.
func (s *CallSession) Start(ctx context.Context) error {
	s.startOnce.Do(func() { s.startErr = s.start(ctx) })
	return s.startErr
}

func (s *CallSession) start(ctx context.Context) error {
	rc := s.deps.Realtime
	var instructions string
	if s.deps.Agents != nil {
		profile, err := s.deps.Agents.AgentProfile(ctx, s.call)
		if err != nil {
			s.log.Warn().Err(err).Msg("agent profile lookup failed; using default instructions")
		}
		instructions = profile.Instructions
		if profile.Voice != "" {
			rc.Voice = profile.Voice
		}
		if profile.Temperature != nil {
			rc.Temperature = *profile.Temperature
		}
	}

	var defs []realtime.ToolDefinition
	if s.deps.Tools != nil {
		var err error
		if defs, err = s.deps.Tools.Registry().Definitions(); err != nil {
			s.log.Error().Err(err).Msg("building tool definitions failed; continuing without tools")
			defs = nil
		}
	}

	if err := s.upstream.Connect(ctx, realtime.NewSessionConfig(rc, instructions, defs)); err != nil {
		s.log.Error().Err(err).Msg("upstream connect failed")
		s.mu.Lock()
		s.reason = "upstream connect failed"
		s.mu.Unlock()
		s.finish()
		return err
	}
	if !s.transition(domain.StatusActive, "") {
		s.upstream.Disconnect()
		return domain.ErrSessionTerminal
	}

	go s.eventLoop()
	go s.receiveLoop()

	s.log.Info().
		Str("session", s.id).
		Str("transport", s.adapter.Kind()).
		Str("commitMode", string(s.mode)).
		Msg("session started")
	s.deps.Hooks.EmitAsync(s.ctx, hooks.EventSessionStart, s.hookData(nil))
	return nil
}

// transition moves to status to if allowed.
func (s *CallSession) transition(to domain.Status, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !domain.CanTransition(s.status, to) {
		return false
	}
	s.status = to
	if reason != "" {
		s.reason = reason
	}
	return true
}

func (s *CallSession) receiveLoop() {
	err := s.adapter.ReceiveAudio(s.ctx, s)
	if s.Status() != domain.StatusActive {
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("transport receive ended")
	}
	s.End("transport disconnected")
}

// IngestAudio forwards one inbound PCM chunk upstream.
func (s *CallSession) IngestAudio(pcm []byte) error {
	s.mu.Lock()
	if s.status != domain.StatusActive {
		st := s.status
		s.mu.Unlock()
		s.log.Debug().Str("status", string(st)).Int("len", len(pcm)).Msg("dropping audio for inactive session")
		return domain.ErrSessionTerminal
	}
	if !audio.Validate(pcm) {
		s.mu.Unlock()
		return &domain.ValidationError{Field: "audio", Message: "must be non-empty PCM16 with an even byte length"}
	}
	s.lastActivity = s.now()
	s.inbound += int64(len(pcm))
	s.mu.Unlock()

	s.deps.Metrics.RecordAudioIn(len(pcm))
	if err := s.upstream.SendAudioChunk(pcm); err != nil {
		return &domain.TransportError{Op: "input_audio_buffer.append", Err: err}
	}
	s.window.Add(len(pcm))
	s.maybeCommit(commitOnTimer)
	return nil
}

type commitTrigger int

const (
	commitOnTimer commitTrigger = iota
	commitOnVAD
)

// maybeCommit finalizes buffered inbound audio. The timer trigger commits
// locally once the window is due; the VAD trigger only accounts for the
// commit the engine made itself. Both are no-ops on an empty window.
func (s *CallSession) maybeCommit(trigger commitTrigger) {
	now := s.now()
	switch trigger {
	case commitOnVAD:
		s.window.Take(now)
		return
	case commitOnTimer:
		if !s.mode.UsesTimer() || !s.window.Due(now) {
			return
		}
	}
	n := s.window.Take(now)
	if n == 0 {
		return
	}
	if err := s.upstream.Commit(); err != nil {
		s.log.Warn().Err(err).Msg("commit failed")
		return
	}
	s.log.Trace().Int("bytes", n).Msg("committed input audio")
	if s.mode.RequestsResponse() {
		if err := s.upstream.RequestResponse(); err != nil {
			s.log.Warn().Err(err).Msg("response request failed")
		}
	}
}

// HandleControl applies an inbound control notice from the caller side.
func (s *CallSession) HandleControl(in transport.Inbound) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		s.log.Debug().Str("event", string(in.Type)).Msg("dropping control for ended session")
		return
	}
	s.lastActivity = s.now()
	s.mu.Unlock()

	switch in.Type {
	case transport.InboundDTMF:
		if in.Digit == "" {
			return
		}
		s.appendTranscript(domain.RoleDTMF, in.Digit)
		s.deps.Hooks.EmitAsync(s.ctx, hooks.EventDTMF, s.hookData(map[string]any{"digit": in.Digit}))
	case transport.InboundHangup:
		s.End("caller hung up")
	case transport.InboundMark:
		s.log.Trace().Str("mark", in.Name).Msg("playback mark")
	}
}

func (s *CallSession) appendTranscript(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary != nil {
		return
	}
	s.transcript = append(s.transcript, domain.TranscriptEntry{Role: role, Text: text, Timestamp: s.now()})
}

// RecordAction appends a tool invocation to the action log.
func (s *CallSession) RecordAction(tc domain.ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary != nil {
		s.log.Debug().Str("tool", tc.Function).Msg("tool finished after summary; not recorded")
		return
	}
	s.actions = append(s.actions, tc)
}

// End asks the session to finish. It is idempotent and returns the terminal
// summary once teardown has completed.
func (s *CallSession) End(reason string) domain.Summary {
	s.transition(domain.StatusEnding, reason)
	return s.finish()
}

// TransferCall moves the session to ending and sends one transfer control.
func (s *CallSession) TransferCall(ctx context.Context, extension, reason string) error {
	s.mu.Lock()
	if !domain.CanTransition(s.status, domain.StatusEnding) {
		s.mu.Unlock()
		return domain.ErrSessionTerminal
	}
	s.status = domain.StatusEnding
	s.reason = "transferred: " + reason
	s.decision = &domain.FallbackDecision{Action: domain.FallbackTransfer, Extension: extension, Reason: reason}
	s.mu.Unlock()

	return s.adapter.SendControl(ctx, transport.Control{
		Type:      transport.ControlTransfer,
		Extension: extension,
		Reason:    reason,
	})
}

// Complete finishes a session left in ending by a transfer.
func (s *CallSession) Complete(reason string) {
	s.transition(domain.StatusEnding, reason)
	s.finish()
}

// Fail marks the session failed and tears it down.
func (s *CallSession) Fail(reason string) {
	s.mu.Lock()
	if domain.CanTransition(s.status, domain.StatusFailed) {
		s.status = domain.StatusFailed
		s.reason = reason
		s.decision = &domain.FallbackDecision{Action: domain.FallbackTerminate, Reason: reason}
	}
	s.mu.Unlock()
	s.finish()
}

// triggerFallback routes an upstream failure through the fallback
// controller, at most once per session. A call already ending, e.g. during
// the grace delay of an agent transfer, is left to finish as decided.
func (s *CallSession) triggerFallback(cause error) {
	if st := s.Status(); st != domain.StatusActive {
		s.log.Info().Err(cause).Str("status", string(st)).Msg("speech engine closed while call is ending; no fallback")
		return
	}
	s.fallbackOnce.Do(func() {
		s.log.Warn().Err(cause).Msg("speech engine failed; applying fallback")
		ctx, cancel := context.WithTimeout(context.Background(), fallbackTimeout)
		defer cancel()

		var d domain.FallbackDecision
		if s.deps.Fallback != nil {
			d = s.deps.Fallback.Handle(ctx, s, cause)
		} else {
			d = domain.FallbackDecision{Action: domain.FallbackTerminate, Reason: cause.Error()}
			s.Fail(d.Reason)
		}
		s.deps.Hooks.EmitAsync(context.Background(), hooks.EventFallback, s.hookData(map[string]any{
			"action":    d.Action,
			"extension": d.Extension,
			"reason":    d.Reason,
		}))
	})
}

// finish runs teardown once and waits for it.
func (s *CallSession) finish() domain.Summary {
	s.teardownOnce.Do(s.teardown)
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.summary
}

func (s *CallSession) teardown() {
	s.mu.Lock()
	switch s.status {
	case domain.StatusCreated:
		s.status = domain.StatusFailed
	case domain.StatusActive:
		s.status = domain.StatusEnding
		fallthrough
	case domain.StatusEnding:
		s.status = domain.StatusEnded
	}
	s.mu.Unlock()

	s.cancel()
	s.upstream.Disconnect()
	if err := s.adapter.Close(); err != nil {
		s.log.Debug().Err(err).Msg("closing transport")
	}
	s.window.Reset()

	s.mu.Lock()
	s.flushAssistantLocked()
	sum := s.buildSummaryLocked()
	s.summary = &sum
	s.mu.Unlock()

	s.persist(sum)
	s.deps.Metrics.RecordSessionEnded(string(sum.Status), float64(sum.DurationMs)/1000)
	s.deps.Hooks.EmitAsync(context.Background(), hooks.EventSessionEnd, s.hookData(map[string]any{
		"status":     string(sum.Status),
		"reason":     sum.Reason,
		"durationMs": sum.DurationMs,
	}))
	s.log.Info().
		Str("status", string(sum.Status)).
		Str("reason", sum.Reason).
		Int64("durationMs", sum.DurationMs).
		Int("actions", len(sum.Actions)).
		Msg("session ended")

	close(s.done)
	if s.onEnd != nil {
		s.onEnd(s, sum)
	}
}

func (s *CallSession) buildSummaryLocked() domain.Summary {
	ended := s.now()
	sum := domain.Summary{
		CallID:        s.call.CallID,
		SessionID:     s.id,
		Context:       s.call,
		Transport:     s.adapter.Kind(),
		Status:        s.status,
		Reason:        s.reason,
		CreatedAt:     s.createdAt,
		EndedAt:       ended,
		DurationMs:    ended.Sub(s.createdAt).Milliseconds(),
		Transcript:    slices.Clone(s.transcript),
		Actions:       slices.Clone(s.actions),
		InboundBytes:  s.inbound,
		OutboundBytes: s.outbound,
	}
	if s.decision != nil {
		d := *s.decision
		sum.Fallback = &d
	}
	return sum
}

func (s *CallSession) persist(sum domain.Summary) {
	if len(s.deps.Summaries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), summaryTimeout)
	defer cancel()
	for _, sink := range s.deps.Summaries {
		if err := sink.SaveSummary(ctx, sum); err != nil {
			s.log.Warn().Err(err).Msg("saving summary failed")
		}
	}
}

// Summary returns the terminal summary once the session has ended.
func (s *CallSession) Summary() (domain.Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary == nil {
		return domain.Summary{}, false
	}
	return *s.summary, true
}

// Snapshot returns a copy of the session's current state.
func (s *CallSession) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:      s.id,
		CallID:         s.call.CallID,
		Context:        s.call,
		Transport:      s.adapter.Kind(),
		Status:         s.status,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		InboundBytes:   s.inbound,
		OutboundBytes:  s.outbound,
		Transcript:     slices.Clone(s.transcript),
		Actions:        slices.Clone(s.actions),
	}
}

func (s *CallSession) hookData(extra map[string]any) map[string]any {
	data := map[string]any{
		"callId":    s.call.CallID,
		"sessionId": s.id,
		"tenantId":  s.call.TenantID,
		"storeId":   s.call.StoreID,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// upstreamCause turns a terminal event into the error handed to fallback.
func upstreamCause(ev realtime.Event) error {
	if ev.Err != nil {
		return ev.Err
	}
	if ev.Kind == realtime.KindClosed {
		return &domain.UpstreamError{Type: "closed", Message: "speech engine connection closed"}
	}
	return errors.New("speech engine error")
}

func rawArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	return args
}
