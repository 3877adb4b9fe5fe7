package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/transport"
	"github.com/soyeahso/callrelay/internal/transport/polling"
)

func TestSweepEvictsIdleSessions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h.reg.now = func() time.Time { return clock }

	idleAdapter := polling.New()
	idle, _, err := h.reg.Create(context.Background(), testCall("idle"), idleAdapter)
	require.NoError(t, err)

	clock = clock.Add(8 * time.Minute)
	busyAdapter := polling.New()
	_, _, err = h.reg.Create(context.Background(), testCall("busy"), busyAdapter)
	require.NoError(t, err)

	clock = clock.Add(3 * time.Minute)
	assert.Equal(t, 1, h.reg.Sweep(clock))

	assert.Equal(t, domain.StatusEnded, idle.Status())
	_, ok := h.reg.Get("idle")
	assert.False(t, ok)
	_, ok = h.reg.Get("busy")
	assert.True(t, ok)

	sum, err := h.reg.End(context.Background(), "idle", "late")
	require.NoError(t, err)
	assert.Equal(t, "idle timeout", sum.Reason)

	// The evicted call no longer accepts audio through its transport.
	assert.ErrorIs(t, idleAdapter.Push(context.Background(), []byte{1, 0}), transport.ErrClosed)
}

func TestActivityDefersEviction(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h.reg.now = func() time.Time { return clock }

	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), newFakeAdapter())
	require.NoError(t, err)

	clock = clock.Add(9 * time.Minute)
	require.NoError(t, s.IngestAudio(make([]byte, 320)))
	clock = clock.Add(9 * time.Minute)
	assert.Equal(t, 0, h.reg.Sweep(clock))

	clock = clock.Add(2 * time.Minute)
	s.HandleControl(transport.Inbound{Type: transport.InboundDTMF, Digit: "1"})
	clock = clock.Add(9 * time.Minute)
	assert.Equal(t, 0, h.reg.Sweep(clock))
	assert.Equal(t, domain.StatusActive, s.Status())
}

func TestListOrdersByCreation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h.reg.now = func() time.Time { return clock }

	for _, id := range []string{"c", "a", "b"} {
		clock = clock.Add(time.Second)
		_, _, err := h.reg.Create(context.Background(), testCall(id), newFakeAdapter())
		require.NoError(t, err)
	}

	infos := h.reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "c", infos[0].CallID)
	assert.Equal(t, "a", infos[1].CallID)
	assert.Equal(t, "b", infos[2].CallID)
	assert.Equal(t, domain.StatusActive, infos[0].Status)
	assert.Equal(t, transport.KindSocket, infos[0].Transport)
	assert.Equal(t, 3, h.reg.Len())
}

func TestSummaryCacheIsBounded(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.reg.opts.SummaryCache = 2

	for i := range 3 {
		id := fmt.Sprintf("call-%d", i)
		_, _, err := h.reg.Create(context.Background(), testCall(id), newFakeAdapter())
		require.NoError(t, err)
		_, err = h.reg.End(context.Background(), id, "done")
		require.NoError(t, err)
	}

	_, err := h.reg.End(context.Background(), "call-0", "again")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.reg.End(context.Background(), "call-2", "again")
	assert.NoError(t, err)
}

func TestShutdownEndsAllSessions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	var sessions []*CallSession
	for i := range 4 {
		s, _, err := h.reg.Create(context.Background(), testCall(fmt.Sprintf("call-%d", i)), newFakeAdapter())
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.reg.Shutdown(ctx))

	assert.Equal(t, 0, h.reg.Len())
	for _, s := range sessions {
		sum, ok := s.Summary()
		require.True(t, ok)
		assert.Equal(t, "shutdown", sum.Reason)
	}
	assert.Len(t, h.summaries.all(), 4)
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.reg.opts.SweepInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.reg.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
