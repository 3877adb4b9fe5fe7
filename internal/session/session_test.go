package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/callrelay/internal/alert"
	"github.com/soyeahso/callrelay/internal/audio"
	"github.com/soyeahso/callrelay/internal/backend"
	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/fallback"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/realtime"
	"github.com/soyeahso/callrelay/internal/tools"
	"github.com/soyeahso/callrelay/internal/transport"
	"github.com/soyeahso/callrelay/internal/transport/polling"
)

type functionOutput struct {
	CallID string
	Output json.RawMessage
}

type fakeUpstream struct {
	mu          sync.Mutex
	connectErr  error
	connects    int
	config      realtime.SessionConfig
	audio       [][]byte
	commits     int
	responses   int
	outputs     []functionOutput
	disconnects int
	closed      bool
	events      chan realtime.Event
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan realtime.Event, 64)}
}

func (u *fakeUpstream) Connect(_ context.Context, sc realtime.SessionConfig) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.connects++
	u.config = sc
	return u.connectErr
}

func (u *fakeUpstream) Events() <-chan realtime.Event { return u.events }

func (u *fakeUpstream) SendAudioChunk(pcm []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.audio = append(u.audio, append([]byte(nil), pcm...))
	return nil
}

func (u *fakeUpstream) Commit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.commits++
	return nil
}

func (u *fakeUpstream) Clear() error { return nil }

func (u *fakeUpstream) RequestResponse() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.responses++
	return nil
}

func (u *fakeUpstream) SendFunctionOutput(callID string, output json.RawMessage) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.outputs = append(u.outputs, functionOutput{CallID: callID, Output: output})
	return nil
}

func (u *fakeUpstream) Disconnect() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.disconnects++
	if !u.closed {
		u.closed = true
		close(u.events)
	}
}

// emit delivers ev unless the connection is already closed.
func (u *fakeUpstream) emit(ev realtime.Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.events <- ev
	}
}

func (u *fakeUpstream) counts() (connects, commits, responses, disconnects int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connects, u.commits, u.responses, u.disconnects
}

func (u *fakeUpstream) functionOutputs() []functionOutput {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]functionOutput(nil), u.outputs...)
}

// fakeAdapter is a full-duplex transport that records what it is sent.
type fakeAdapter struct {
	mu       sync.Mutex
	audio    []byte
	controls []transport.Control
	events   []string
	closed   bool
	done     chan struct{}
	once     sync.Once
	recvErr  chan error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{done: make(chan struct{}), recvErr: make(chan error, 1)}
}

func (a *fakeAdapter) Kind() string { return transport.KindSocket }

func (a *fakeAdapter) ReceiveAudio(ctx context.Context, _ transport.Sink) error {
	select {
	case <-ctx.Done():
		return nil
	case <-a.done:
		return nil
	case err := <-a.recvErr:
		return err
	}
}

func (a *fakeAdapter) SendAudio(_ context.Context, pcm []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return transport.ErrClosed
	}
	a.audio = append(a.audio, pcm...)
	return nil
}

func (a *fakeAdapter) SendControl(_ context.Context, c transport.Control) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.controls = append(a.controls, c)
	return nil
}

func (a *fakeAdapter) WriteEvent(name string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, name)
}

func (a *fakeAdapter) Close() error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.done)
	})
	return nil
}

func (a *fakeAdapter) sentControls() []transport.Control {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]transport.Control(nil), a.controls...)
}

func (a *fakeAdapter) sentAudio() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.audio...)
}

type fakeDirectory struct {
	extension string
	err       error
}

func (d fakeDirectory) FallbackExtension(context.Context, domain.CallContext) (string, error) {
	return d.extension, d.err
}

type countingNotifier struct{ n atomic.Int32 }

func (n *countingNotifier) NotifyAdmin(context.Context, alert.Alert) error {
	n.n.Add(1)
	return errors.New("admin endpoint down")
}

type fakeBackend struct{ customers []backend.Customer }

func (b *fakeBackend) SearchCustomers(context.Context, domain.CallContext, string, string) ([]backend.Customer, error) {
	return b.customers, nil
}
func (b *fakeBackend) CreateTicket(context.Context, domain.CallContext, backend.Ticket) (string, error) {
	return "T-1", nil
}
func (b *fakeBackend) BookAppointment(context.Context, domain.CallContext, backend.Appointment) (backend.Booking, error) {
	return backend.Booking{ID: "B-1"}, nil
}
func (b *fakeBackend) SearchOffers(context.Context, domain.CallContext, string, int) ([]backend.Offer, error) {
	return nil, nil
}

type fakeAgents struct{ profile backend.AgentProfile }

func (a fakeAgents) AgentProfile(context.Context, domain.CallContext) (backend.AgentProfile, error) {
	return a.profile, nil
}

type memorySummaries struct {
	mu   sync.Mutex
	sums []domain.Summary
}

func (m *memorySummaries) SaveSummary(_ context.Context, s domain.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sums = append(m.sums, s)
	return nil
}

func (m *memorySummaries) all() []domain.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Summary(nil), m.sums...)
}

type harness struct {
	reg       *Registry
	summaries *memorySummaries
	notifier  *countingNotifier

	mu        sync.Mutex
	upstreams []*fakeUpstream
}

type harnessOptions struct {
	extension  string
	connectErr error
	modes      map[string]audio.CommitMode
	grace      time.Duration
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	log := logging.New(nil, "silent")
	h := &harness{summaries: &memorySummaries{}, notifier: &countingNotifier{}}
	deps := Deps{
		Realtime: config.RealtimeConfig{
			Voice:               "alloy",
			DefaultInstructions: "You are a helpful store assistant.",
			TurnDetection:       config.TurnDetection{Type: "server_vad"},
		},
		SampleRate:     16000,
		CommitInterval: time.Second,
		CommitModes:    o.modes,
		NewUpstream: func(*logging.Logger) Upstream {
			u := newFakeUpstream()
			u.connectErr = o.connectErr
			h.mu.Lock()
			h.upstreams = append(h.upstreams, u)
			h.mu.Unlock()
			return u
		},
		Agents:    fakeAgents{},
		Tools:     tools.NewDispatcher(tools.NewDefaultRegistry(&fakeBackend{}), log, nil),
		Fallback:  fallback.New(fakeDirectory{extension: o.extension}, h.notifier, o.grace, log, nil),
		Summaries: []SummarySink{h.summaries},
		Log:       log,
	}
	h.reg = NewRegistry(deps, RegistryOptions{})
	t.Cleanup(func() { _ = h.reg.Shutdown(context.Background()) })
	return h
}

func (h *harness) upstream(i int) *fakeUpstream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.upstreams[i]
}

func (h *harness) upstreamCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.upstreams)
}

func testCall(id string) domain.CallContext {
	return domain.CallContext{CallID: id, TenantID: "tenant-a", StoreID: "store-1", DID: "5551000", CallerNumber: "+391234"}
}

func TestStartNegotiatesSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s, created, err := h.reg.Create(context.Background(), testCall("call-1"), newFakeAdapter())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.StatusActive, s.Status())
	assert.True(t, s.Live())
	assert.NotEmpty(t, s.ID())

	u := h.upstream(0)
	u.mu.Lock()
	sc := u.config
	u.mu.Unlock()
	assert.Equal(t, "You are a helpful store assistant.", sc.Instructions)
	assert.Equal(t, "alloy", sc.Voice)
	assert.Len(t, sc.Tools, 5)
}

func TestStartFailureMarksFailed(t *testing.T) {
	h := newHarness(t, harnessOptions{connectErr: &domain.TransportError{Op: "connect", Status: 401, Err: errors.New("unauthorized")}})
	s, created, err := h.reg.Create(context.Background(), testCall("call-1"), newFakeAdapter())
	require.Error(t, err)
	assert.Nil(t, s)
	assert.True(t, created)

	var te *domain.TransportError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, 0, h.reg.Len())

	sum, err := h.reg.End(context.Background(), "call-1", "cleanup")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, sum.Status)
}

func TestDuplicateCreateReusesSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	cc := testCall("call-1")

	first, created, err := h.reg.Create(context.Background(), cc, newFakeAdapter())
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := h.reg.Create(context.Background(), cc, newFakeAdapter())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)

	assert.Equal(t, 1, h.upstreamCount())
	connects, _, _, _ := h.upstream(0).counts()
	assert.Equal(t, 1, connects)
}

func TestConcurrentCreateOpensOneUpstream(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	cc := testCall("call-1")

	var wg sync.WaitGroup
	sessions := make([]*CallSession, 8)
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _, err := h.reg.Create(context.Background(), cc, newFakeAdapter())
			assert.NoError(t, err)
			sessions[i] = s
		}()
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 1, h.upstreamCount())
}

func TestCreateValidatesContext(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, _, err := h.reg.Create(context.Background(), domain.CallContext{CallID: "call-1"}, newFakeAdapter())
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, 0, h.upstreamCount())
}

func TestIngestAudio(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), newFakeAdapter())
	require.NoError(t, err)

	require.NoError(t, s.IngestAudio(make([]byte, 320)))
	err = s.IngestAudio([]byte{1, 2, 3})
	assert.True(t, domain.IsValidation(err))
	err = s.IngestAudio(nil)
	assert.True(t, domain.IsValidation(err))

	u := h.upstream(0)
	u.mu.Lock()
	assert.Len(t, u.audio, 1)
	u.mu.Unlock()
	assert.Equal(t, int64(320), s.Snapshot().InboundBytes)
}

func TestTimerCommitPolicy(t *testing.T) {
	h := newHarness(t, harnessOptions{modes: map[string]audio.CommitMode{transport.KindSocket: audio.CommitTimer}})
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.reg.now = func() time.Time { return clock }

	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), newFakeAdapter())
	require.NoError(t, err)
	u := h.upstream(0)

	require.NoError(t, s.IngestAudio(make([]byte, 3200)))
	_, commits, responses, _ := u.counts()
	assert.Equal(t, 0, commits)

	clock = clock.Add(1100 * time.Millisecond)
	require.NoError(t, s.IngestAudio(make([]byte, 3200)))
	_, commits, responses, _ = u.counts()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, responses)

	// Empty window: the VAD path is a no-op.
	s.maybeCommit(commitOnVAD)
	_, commits, _, _ = u.counts()
	assert.Equal(t, 1, commits)
}

func TestVADModeNeverCommitsLocally(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.reg.now = func() time.Time { return clock }

	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), newFakeAdapter())
	require.NoError(t, err)
	for range 5 {
		clock = clock.Add(2 * time.Second)
		require.NoError(t, s.IngestAudio(make([]byte, 3200)))
	}
	_, commits, _, _ := h.upstream(0).counts()
	assert.Equal(t, 0, commits)
}

func TestAudioDeltaReachesOutboundBufferInOrder(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	pa := polling.New()
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), pa)
	require.NoError(t, err)
	require.NoError(t, pa.Push(context.Background(), make([]byte, 3200)))

	first := make([]byte, 6400)
	for i := range first {
		first[i] = byte(i)
	}
	s.handleEvent(realtime.Event{Kind: realtime.KindAudioDelta, Audio: first})
	assert.Equal(t, 6400, pa.Buffered())

	second := []byte{9, 9}
	s.handleEvent(realtime.Event{Kind: realtime.KindAudioDelta, Audio: second})

	resp := pa.Poll(context.Background(), 0)
	require.Len(t, resp.Audio, 6402)
	assert.Equal(t, first, resp.Audio[:6400])
	assert.Equal(t, second, resp.Audio[6400:])
	assert.Equal(t, int64(6402), s.Snapshot().OutboundBytes)
}

func TestTranscriptHandling(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	pa := polling.New()
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), pa)
	require.NoError(t, err)

	s.handleEvent(realtime.Event{Kind: realtime.KindInputTranscript, Text: "Do you open on Sunday?"})
	s.handleEvent(realtime.Event{Kind: realtime.KindTranscriptDelta, Text: "Yes, "})
	s.handleEvent(realtime.Event{Kind: realtime.KindTranscriptDelta, Text: "from ten."})
	s.handleEvent(realtime.Event{Kind: realtime.KindResponseDone})

	tr := s.Snapshot().Transcript
	require.Len(t, tr, 2)
	assert.Equal(t, domain.RoleUser, tr[0].Role)
	assert.Equal(t, domain.RoleAssistant, tr[1].Role)
	assert.Equal(t, "Yes, from ten.", tr[1].Text)

	resp := pa.Poll(context.Background(), 0)
	assert.Equal(t, "Yes, from ten.", resp.Transcript)
	assert.True(t, resp.TurnComplete)
}

func TestBargeInDoesNotCancelAudio(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	fa := newFakeAdapter()
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), fa)
	require.NoError(t, err)

	s.handleEvent(realtime.Event{Kind: realtime.KindAudioDelta, Audio: []byte{1, 0, 2, 0}})
	s.handleEvent(realtime.Event{Kind: realtime.KindSpeechStarted})
	s.handleEvent(realtime.Event{Kind: realtime.KindAudioDelta, Audio: []byte{3, 0}})

	assert.Equal(t, []byte{1, 0, 2, 0, 3, 0}, fa.sentAudio())
	fa.mu.Lock()
	assert.Equal(t, []string{"speech_started"}, fa.events)
	fa.mu.Unlock()
	assert.Equal(t, domain.StatusActive, s.Status())
}

func TestDTMFAndHangup(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), newFakeAdapter())
	require.NoError(t, err)

	s.HandleControl(transport.Inbound{Type: transport.InboundDTMF, Digit: "3"})
	tr := s.Snapshot().Transcript
	require.Len(t, tr, 1)
	assert.Equal(t, domain.RoleDTMF, tr[0].Role)
	assert.Equal(t, "3", tr[0].Text)

	s.HandleControl(transport.Inbound{Type: transport.InboundHangup})
	assert.Equal(t, domain.StatusEnded, s.Status())
	_, ok := h.reg.Get("call-1")
	assert.False(t, ok)
}

func TestUpstreamErrorWithoutExtensionFails(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	fa := newFakeAdapter()
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), fa)
	require.NoError(t, err)

	h.upstream(0).emit(realtime.Event{
		Kind: realtime.KindError,
		Type: "error",
		Err:  &domain.UpstreamError{Type: "server_error", Message: "engine overloaded"},
	})

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, domain.StatusFailed, s.Status())
	assert.Empty(t, fa.sentControls())
	_, _, _, disconnects := h.upstream(0).counts()
	assert.GreaterOrEqual(t, disconnects, 1)
	require.Eventually(t, func() bool { return h.notifier.n.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	sum, ok := s.Summary()
	require.True(t, ok)
	require.NotNil(t, sum.Fallback)
	assert.Equal(t, domain.FallbackTerminate, sum.Fallback.Action)
}

func TestUpstreamErrorWithExtensionTransfers(t *testing.T) {
	h := newHarness(t, harnessOptions{extension: "2001"})
	fa := newFakeAdapter()
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), fa)
	require.NoError(t, err)

	u := h.upstream(0)
	u.emit(realtime.Event{Kind: realtime.KindClosed, Err: &domain.UpstreamError{Type: "closed", Message: "eof"}})
	u.emit(realtime.Event{Kind: realtime.KindClosed})

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, domain.StatusEnded, s.Status())
	controls := fa.sentControls()
	require.Len(t, controls, 1)
	assert.Equal(t, transport.ControlTransfer, controls[0].Type)
	assert.Equal(t, "2001", controls[0].Extension)

	sums := h.summaries.all()
	require.Len(t, sums, 1)
	require.NotNil(t, sums[0].Fallback)
	assert.Equal(t, domain.FallbackTransfer, sums[0].Fallback.Action)
}

func TestRecoverableErrorKeepsSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), newFakeAdapter())
	require.NoError(t, err)

	s.handleEvent(realtime.Event{
		Kind: realtime.KindError,
		Err:  &domain.UpstreamError{Type: "invalid_request_error", Code: "input_audio_buffer_commit_empty"},
	})
	assert.Equal(t, domain.StatusActive, s.Status())
}

func TestEventsAfterEndAreDropped(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	fa := newFakeAdapter()
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), fa)
	require.NoError(t, err)

	s.End("done")
	assert.NotPanics(t, func() {
		s.handleEvent(realtime.Event{Kind: realtime.KindAudioDelta, Audio: []byte{1, 0}})
		s.handleEvent(realtime.Event{Kind: realtime.KindError, Err: &domain.UpstreamError{Type: "server_error"}})
	})
	assert.Empty(t, fa.sentAudio())
	assert.Equal(t, domain.StatusEnded, s.Status())
	assert.ErrorIs(t, s.IngestAudio([]byte{1, 0}), domain.ErrSessionTerminal)
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), newFakeAdapter())
	require.NoError(t, err)

	first, err := h.reg.End(context.Background(), "call-1", "caller done")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, first.Status)
	assert.Equal(t, "caller done", first.Reason)

	second, err := h.reg.End(context.Background(), "call-1", "again")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, first, s.End("third"))

	assert.Len(t, h.summaries.all(), 1)
	_, _, _, disconnects := h.upstream(0).counts()
	assert.Equal(t, 1, disconnects)

	_, err = h.reg.End(context.Background(), "unknown", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestToolCallFeedsOutputBack(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), newFakeAdapter())
	require.NoError(t, err)

	u := h.upstream(0)
	u.emit(realtime.Event{Kind: realtime.KindFunctionCall, Call: &realtime.FunctionCall{
		CallID:    "fc-1",
		Name:      tools.ToolLookupCustomer,
		Arguments: json.RawMessage(`{"phone":"+391234"}`),
	}})

	require.Eventually(t, func() bool { return len(u.functionOutputs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	out := u.functionOutputs()[0]
	assert.Equal(t, "fc-1", out.CallID)
	assert.JSONEq(t, `{"found":false}`, string(out.Output))

	actions := s.Snapshot().Actions
	require.Len(t, actions, 1)
	assert.Equal(t, tools.ToolLookupCustomer, actions[0].Function)
}

func TestTransferToolHandsOffCall(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	fa := newFakeAdapter()
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), fa)
	require.NoError(t, err)

	h.upstream(0).emit(realtime.Event{Kind: realtime.KindFunctionCall, Call: &realtime.FunctionCall{
		CallID:    "fc-2",
		Name:      tools.ToolTransferToHuman,
		Arguments: json.RawMessage(`{"extension":"301","reason":"billing question"}`),
	}})

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after transfer")
	}
	assert.Equal(t, domain.StatusEnded, s.Status())
	controls := fa.sentControls()
	require.Len(t, controls, 1)
	assert.Equal(t, "301", controls[0].Extension)
	assert.Equal(t, int32(0), h.notifier.n.Load())

	sum, _ := s.Summary()
	require.Len(t, sum.Actions, 1)
	require.NotNil(t, sum.Fallback)
	assert.Equal(t, "301", sum.Fallback.Extension)
}

func TestUpstreamCloseDuringTransferGraceKeepsTransfer(t *testing.T) {
	h := newHarness(t, harnessOptions{extension: "2001", grace: 300 * time.Millisecond})
	fa := newFakeAdapter()
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), fa)
	require.NoError(t, err)

	u := h.upstream(0)
	u.emit(realtime.Event{Kind: realtime.KindFunctionCall, Call: &realtime.FunctionCall{
		CallID:    "fc-3",
		Name:      tools.ToolTransferToHuman,
		Arguments: json.RawMessage(`{"extension":"301","reason":"wants a person"}`),
	}})
	require.Eventually(t, func() bool { return s.Status() == domain.StatusEnding }, 2*time.Second, 5*time.Millisecond)

	u.emit(realtime.Event{Kind: realtime.KindClosed, Err: &domain.UpstreamError{Type: "closed", Message: "eof"}})

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after grace")
	}
	assert.Equal(t, domain.StatusEnded, s.Status())
	controls := fa.sentControls()
	require.Len(t, controls, 1)
	assert.Equal(t, "301", controls[0].Extension)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), h.notifier.n.Load())

	sum, ok := s.Summary()
	require.True(t, ok)
	require.NotNil(t, sum.Fallback)
	assert.Equal(t, domain.FallbackTransfer, sum.Fallback.Action)
	assert.Equal(t, "301", sum.Fallback.Extension)
}

func TestTransportDisconnectEndsSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	fa := newFakeAdapter()
	s, _, err := h.reg.Create(context.Background(), testCall("call-1"), fa)
	require.NoError(t, err)

	fa.recvErr <- &domain.TransportError{Op: "read", Err: errors.New("connection reset")}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	sum, _ := s.Summary()
	assert.Equal(t, domain.StatusEnded, sum.Status)
	assert.Equal(t, "transport disconnected", sum.Reason)
}
