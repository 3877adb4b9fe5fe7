// Package alert fans admin notifications about failed calls out to every
// configured sink.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/soyeahso/callrelay/internal/backend"
	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/logging"
)

// Alert describes a call that needed the fallback path.
type Alert struct {
	CallID    string `json:"callId"`
	TenantID  string `json:"tenantId"`
	StoreID   string `json:"storeId"`
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
	Action    string `json:"action"`
	Extension string `json:"extension,omitempty"`
}

// Text renders the alert as a single human-readable line.
func (a Alert) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[callrelay] call %s (tenant %s, store %s): %s: %s; action=%s",
		a.CallID, a.TenantID, a.StoreID, a.ErrorType, a.Message, a.Action)
	if a.Extension != "" {
		fmt.Fprintf(&b, " ext=%s", a.Extension)
	}
	return b.String()
}

// Sink delivers alerts somewhere an operator will see them.
type Sink interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, a Alert) error
}

// SinkStatus reports the runtime state of a sink.
type SinkStatus struct {
	SinkID    string `json:"sinkId"`
	Connected bool   `json:"connected"`
	Running   bool   `json:"running"`
	LastError string `json:"lastError,omitempty"`
}

// Registry manages the set of alert sinks.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
	log   *logging.Logger
}

// NewRegistry creates an alert registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		sinks: make(map[string]Sink),
		log:   log.Sub("alerts"),
	}
}

// Register adds a sink to the registry.
func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.ID()] = s
	r.log.Info().Str("sink", s.ID()).Msg("alert sink registered")
}

// Get returns a sink by ID.
func (r *Registry) Get(id string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[id]
	return s, ok
}

// List returns all sink IDs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sinks))
	for id := range r.sinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status returns the status of all registered sinks.
func (r *Registry) Status() []SinkStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	statuses := make([]SinkStatus, 0, len(r.sinks))
	for _, s := range r.sinks {
		if sc, ok := s.(interface{ Status() SinkStatus }); ok {
			statuses = append(statuses, sc.Status())
		} else {
			statuses = append(statuses, SinkStatus{SinkID: s.ID(), Connected: true, Running: true})
		}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].SinkID < statuses[j].SinkID })
	return statuses
}

// StartAll starts every sink in its own goroutine. IRC's Start blocks for the
// life of the connection.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, s := range r.sinks {
		r.log.Info().Str("sink", id).Msg("starting alert sink")
		go func(id string, s Sink) {
			if err := s.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error().Err(err).Str("sink", id).Msg("alert sink exited with error")
			}
		}(id, s)
	}
}

// StopAll stops all registered sinks.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, s := range r.sinks {
		r.log.Info().Str("sink", id).Msg("stopping alert sink")
		if err := s.Stop(ctx); err != nil {
			r.log.Error().Err(err).Str("sink", id).Msg("failed to stop alert sink")
		}
	}
}

// Count returns the number of registered sinks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// NotifyAdmin sends a to every sink. Every sink is attempted; failures come
// back joined as NotificationErrors.
func (r *Registry) NotifyAdmin(ctx context.Context, a Alert) error {
	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		sinks = append(sinks, s)
	}
	r.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Send(ctx, a); err != nil {
			r.log.Warn().Err(err).Str("sink", s.ID()).Str("callId", a.CallID).Msg("alert delivery failed")
			errs = append(errs, &domain.NotificationError{Sink: s.ID(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// Notifier is the backend call used by BackendSink.
type Notifier interface {
	NotifyAdmin(ctx context.Context, n backend.Notification) error
}

// BackendSink posts alerts to the backend admin-notification endpoint.
type BackendSink struct {
	n Notifier
}

// NewBackendSink wraps the backend client as an alert sink.
func NewBackendSink(n Notifier) *BackendSink {
	return &BackendSink{n: n}
}

func (s *BackendSink) ID() string                    { return "backend" }
func (s *BackendSink) Start(_ context.Context) error { return nil }
func (s *BackendSink) Stop(_ context.Context) error  { return nil }

func (s *BackendSink) Send(ctx context.Context, a Alert) error {
	return s.n.NotifyAdmin(ctx, backend.Notification{
		CallID:    a.CallID,
		TenantID:  a.TenantID,
		StoreID:   a.StoreID,
		ErrorType: a.ErrorType,
		Message:   a.Message,
		Action:    a.Action,
	})
}
