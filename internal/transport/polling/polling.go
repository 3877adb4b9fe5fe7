// Package polling is the stateless HTTP transport: audio arrives one request
// at a time and replies are collected by long-polling.
package polling

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/transport"
)

// Response is what one poll drains from the outbound buffer.
type Response struct {
	Audio        []byte
	Transcript   string
	TurnComplete bool
	Control      *transport.Control
}

// Empty reports whether nothing was buffered.
func (r Response) Empty() bool {
	return len(r.Audio) == 0 && r.Transcript == "" && !r.TurnComplete && r.Control == nil
}

// Adapter buffers outbound audio until the client polls for it.
type Adapter struct {
	mu           sync.Mutex
	audio        []byte
	transcript   strings.Builder
	turnComplete bool
	control      *transport.Control
	changed      chan struct{}
	closed       bool

	sink      transport.Sink
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ transport.Adapter          = (*Adapter)(nil)
	_ transport.TranscriptWriter = (*Adapter)(nil)
	_ transport.TurnMarker       = (*Adapter)(nil)
)

// New creates a polling adapter.
func New() *Adapter {
	return &Adapter{
		changed: make(chan struct{}),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (a *Adapter) Kind() string { return transport.KindPolling }

// ReceiveAudio binds the sink used by Push and blocks until the adapter is
// closed or ctx ends.
func (a *Adapter) ReceiveAudio(ctx context.Context, sink transport.Sink) error {
	a.readyOnce.Do(func() {
		a.mu.Lock()
		a.sink = sink
		a.mu.Unlock()
		close(a.ready)
	})
	select {
	case <-ctx.Done():
	case <-a.done:
	}
	return nil
}

// Push forwards one inbound chunk to the bound sink.
func (a *Adapter) Push(ctx context.Context, pcm []byte) error {
	select {
	case <-a.ready:
	case <-a.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	a.mu.Lock()
	sink, closed := a.sink, a.closed
	a.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	return sink.IngestAudio(pcm)
}

// SendAudio appends to the outbound buffer in arrival order.
func (a *Adapter) SendAudio(_ context.Context, pcm []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return transport.ErrClosed
	}
	a.audio = append(a.audio, pcm...)
	a.broadcastLocked()
	return nil
}

// SendControl queues a control for the next poll. The client is expected to
// carry it out on its telephony leg.
func (a *Adapter) SendControl(_ context.Context, c transport.Control) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return transport.ErrClosed
	}
	cc := c
	a.control = &cc
	a.broadcastLocked()
	return nil
}

// WriteTranscript buffers assistant text for the next poll.
func (a *Adapter) WriteTranscript(role, text string) {
	if role != domain.RoleAssistant || text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.transcript.WriteString(text)
	a.broadcastLocked()
}

// MarkTurnComplete flags that an AI response finished since the last poll.
func (a *Adapter) MarkTurnComplete() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.turnComplete = true
	a.broadcastLocked()
}

// Buffered returns the number of outbound audio bytes awaiting a poll.
func (a *Adapter) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.audio)
}

// Poll waits up to timeout for outbound data and drains everything buffered.
// It returns immediately when data is already waiting or the adapter is
// closed, and never waits longer than timeout.
func (a *Adapter) Poll(ctx context.Context, timeout time.Duration) Response {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		a.mu.Lock()
		if resp := a.drainLocked(); !resp.Empty() || a.closed || timeout <= 0 {
			a.mu.Unlock()
			return resp
		}
		changed := a.changed
		a.mu.Unlock()

		select {
		case <-changed:
		case <-timer:
			a.mu.Lock()
			resp := a.drainLocked()
			a.mu.Unlock()
			return resp
		case <-ctx.Done():
			return Response{}
		case <-a.done:
		}
	}
}

// Close releases waiters and discards buffered output.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.audio = nil
		a.transcript.Reset()
		a.broadcastLocked()
		a.mu.Unlock()
		close(a.done)
	})
	return nil
}

func (a *Adapter) drainLocked() Response {
	resp := Response{
		Audio:        a.audio,
		Transcript:   a.transcript.String(),
		TurnComplete: a.turnComplete,
		Control:      a.control,
	}
	a.audio = nil
	a.transcript.Reset()
	a.turnComplete = false
	a.control = nil
	return resp
}

func (a *Adapter) broadcastLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}
