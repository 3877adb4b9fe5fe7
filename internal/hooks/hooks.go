// Package hooks dispatches call lifecycle events to registered handlers.
package hooks

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/soyeahso/callrelay/internal/logging"
)

// Event names.
const (
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventToolCall     = "tool_call"
	EventBargeIn      = "barge_in"
	EventDTMF         = "dtmf"
	EventFallback     = "fallback"
	EventGatewayStart = "gateway_start"
	EventGatewayStop  = "gateway_stop"
)

// AllEvents lists every event the relay emits.
var AllEvents = []string{
	EventSessionStart,
	EventSessionEnd,
	EventToolCall,
	EventBargeIn,
	EventDTMF,
	EventFallback,
	EventGatewayStart,
	EventGatewayStop,
}

// Payload carries event data to hook handlers. Call events carry callId,
// sessionId, tenantId and storeId in Data.
type Payload struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// CallID returns the call the event belongs to, or "".
func (p Payload) CallID() string {
	id, _ := p.Data["callId"].(string)
	return id
}

// Handler handles one event. A returned error or a panic is logged and
// never reaches the emitter.
type Handler func(ctx context.Context, p Payload) error

type namedHandler struct {
	name    string
	handler Handler
}

// Manager holds hook registrations. A nil *Manager drops every event, so
// components can emit without checking whether hooks are configured.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	log      *logging.Logger
	inflight sync.WaitGroup
}

// NewManager creates a hook manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]namedHandler),
		log:      log.Sub("hooks"),
	}
}

// On registers handler for event under name.
func (m *Manager) On(event, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

// Off removes every handler registered for event under name.
func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = slices.DeleteFunc(m.handlers[event], func(h namedHandler) bool {
		return h.name == name
	})
}

// snapshot copies the handlers for event so dispatch runs without the lock.
func (m *Manager) snapshot(event string) []namedHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.handlers[event])
}

// Emit runs every handler for event in registration order and returns when
// they are done.
func (m *Manager) Emit(ctx context.Context, event string, data map[string]any) {
	if m == nil {
		return
	}
	p := Payload{Event: event, Data: data}
	for _, h := range m.snapshot(event) {
		m.run(ctx, h, p)
	}
}

// EmitAsync runs every handler for event on its own goroutine and returns
// immediately. Handlers get ctx's values but not its cancellation, because
// call events are usually emitted from a session that is about to tear down.
func (m *Manager) EmitAsync(ctx context.Context, event string, data map[string]any) {
	if m == nil {
		return
	}
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	p := Payload{Event: event, Data: data}
	m.inflight.Add(len(handlers))
	for _, h := range handlers {
		go func() {
			defer m.inflight.Done()
			m.run(ctx, h, p)
		}()
	}
}

// Wait blocks until every handler started by EmitAsync has returned.
func (m *Manager) Wait() {
	if m == nil {
		return
	}
	m.inflight.Wait()
}

func (m *Manager) run(ctx context.Context, h namedHandler, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			m.failed(h, p, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := h.handler(ctx, p); err != nil {
		m.failed(h, p, err)
	}
}

func (m *Manager) failed(h namedHandler, p Payload, err error) {
	ev := m.log.Warn().Err(err).Str("event", p.Event).Str("handler", h.name)
	if id := p.CallID(); id != "" {
		ev = ev.Str("callId", id)
	}
	ev.Msg("hook handler failed")
}

// Count returns the number of handlers registered for event.
func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

// Events returns the sorted events that have at least one handler.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]string, 0, len(m.handlers))
	for event, handlers := range m.handlers {
		if len(handlers) > 0 {
			events = append(events, event)
		}
	}
	sort.Strings(events)
	return events
}

// LogEvents writes every event to the hook logger at info level.
func (m *Manager) LogEvents() {
	for _, event := range AllEvents {
		m.On(event, "log", func(_ context.Context, p Payload) error {
			ev := m.log.Info().Str("event", p.Event)
			for k, v := range p.Data {
				ev = ev.Interface(k, v)
			}
			ev.Msg("hook")
			return nil
		})
	}
}
