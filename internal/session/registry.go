package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/transport"
)

// Registry defaults.
const (
	DefaultIdleThreshold = 10 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultSummaryCache  = 512
)

// RegistryOptions tunes eviction and the ended-summary cache.
type RegistryOptions struct {
	IdleThreshold time.Duration
	SweepInterval time.Duration
	SummaryCache  int
}

// Registry owns every live session, keyed by call id.
type Registry struct {
	deps  Deps
	opts  RegistryOptions
	log   *logging.Logger
	now   func() time.Time
	mu    sync.Mutex
	live  map[string]*CallSession
	ended map[string]domain.Summary
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps, opts RegistryOptions) *Registry {
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = DefaultIdleThreshold
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.SummaryCache <= 0 {
		opts.SummaryCache = DefaultSummaryCache
	}
	return &Registry{
		deps:  deps,
		opts:  opts,
		log:   deps.Log.Sub("sessions"),
		now:   time.Now,
		live:  make(map[string]*CallSession),
		ended: make(map[string]domain.Summary),
	}
}

// Create provisions and starts a session for cc on adapter. If a session
// for the call id already exists it is returned with created=false and
// adapter is left untouched.
func (r *Registry) Create(ctx context.Context, cc domain.CallContext, adapter transport.Adapter) (*CallSession, bool, error) {
	if missing := cc.Missing(); len(missing) > 0 {
		return nil, false, &domain.ValidationError{Field: missing[0], Message: "required"}
	}

	r.mu.Lock()
	if s, ok := r.live[cc.CallID]; ok {
		r.mu.Unlock()
		return s, false, nil
	}
	s := newSession(cc, adapter, &r.deps, r.now, r.remove)
	r.live[cc.CallID] = s
	delete(r.ended, cc.CallID)
	r.mu.Unlock()

	r.deps.Metrics.RecordSessionCreated()
	r.log.Info().Str("callId", cc.CallID).Str("transport", adapter.Kind()).Msg("session created")

	if err := s.Start(ctx); err != nil {
		return nil, true, err
	}
	return s, true, nil
}

// remove is called by a session once its teardown is done.
func (r *Registry) remove(s *CallSession, sum domain.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := s.call.CallID
	if r.live[id] == s {
		delete(r.live, id)
	}
	if _, ok := r.ended[id]; !ok {
		r.order = append(r.order, id)
	}
	r.ended[id] = sum
	for len(r.order) > r.opts.SummaryCache {
		delete(r.ended, r.order[0])
		r.order = r.order[1:]
	}
}

// Get returns the live session for callID.
func (r *Registry) Get(callID string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[callID]
	return s, ok
}

// List returns snapshots of all live sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*CallSession, 0, len(r.live))
	for _, s := range r.live {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CallID < infos[j].CallID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// End ends the session for callID. Ending a call that already ended returns
// its cached summary; an unknown call id returns ErrNotFound.
func (r *Registry) End(ctx context.Context, callID, reason string) (domain.Summary, error) {
	r.mu.Lock()
	s, ok := r.live[callID]
	if !ok {
		sum, cached := r.ended[callID]
		r.mu.Unlock()
		if cached {
			return sum, nil
		}
		return domain.Summary{}, domain.ErrNotFound
	}
	r.mu.Unlock()

	done := make(chan domain.Summary, 1)
	go func() { done <- s.End(reason) }()
	select {
	case sum := <-done:
		return sum, nil
	case <-ctx.Done():
		return domain.Summary{}, ctx.Err()
	}
}

// Sweep ends every session idle since before now minus the idle threshold
// and returns how many were evicted.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.opts.IdleThreshold)
	r.mu.Lock()
	var idle []*CallSession
	for _, s := range r.live {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	evicted := 0
	for _, s := range idle {
		if s.Status().Terminal() {
			continue
		}
		r.log.Info().Str("callId", s.call.CallID).Time("lastActivity", s.LastActivity()).Msg("evicting idle session")
		s.End("idle timeout")
		evicted++
	}
	return evicted
}

// Run sweeps on the configured interval until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.log.Info().Int("evicted", n).Msg("idle sweep")
			}
		}
	}
}

// Shutdown ends every live session and waits for their teardown or ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*CallSession, 0, len(r.live))
	for _, s := range r.live {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.End("shutdown")
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info().Int("sessions", len(sessions)).Msg("all sessions ended")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
