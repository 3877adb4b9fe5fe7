package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/callrelay/internal/audio"
	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/hooks"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/metrics"
	"github.com/soyeahso/callrelay/internal/realtime"
	"github.com/soyeahso/callrelay/internal/session"
	"github.com/soyeahso/callrelay/internal/transport"
)

const testSecret = "relay-secret-123"

type fakeUpstream struct {
	mu     sync.Mutex
	events chan realtime.Event
	audio  int
	closed bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan realtime.Event, 64)}
}

func (u *fakeUpstream) Connect(context.Context, realtime.SessionConfig) error { return nil }
func (u *fakeUpstream) Events() <-chan realtime.Event                         { return u.events }
func (u *fakeUpstream) Commit() error                                         { return nil }
func (u *fakeUpstream) Clear() error                                          { return nil }
func (u *fakeUpstream) RequestResponse() error                                { return nil }

func (u *fakeUpstream) SendFunctionOutput(string, json.RawMessage) error { return nil }

func (u *fakeUpstream) SendAudioChunk(pcm []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.audio += len(pcm)
	return nil
}

func (u *fakeUpstream) Disconnect() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.closed = true
		close(u.events)
	}
}

func (u *fakeUpstream) emit(ev realtime.Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.events <- ev
	}
}

func (u *fakeUpstream) received() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.audio
}

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	reg   *session.Registry
	hooks *hooks.Manager

	mu        sync.Mutex
	upstreams []*fakeUpstream
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.Gateway.Auth.Secret = testSecret
	cfg.Transports.Polling.DefaultWaitMs = 100
	cfg.Transports.Polling.MaxWaitMs = 1000

	log := logging.New(nil, "silent")
	e := &testEnv{hooks: hooks.NewManager(log)}
	deps := session.Deps{
		Realtime:   config.RealtimeConfig{DefaultInstructions: "You are a store assistant."},
		SampleRate: 16000,
		NewUpstream: func(*logging.Logger) session.Upstream {
			u := newFakeUpstream()
			e.mu.Lock()
			e.upstreams = append(e.upstreams, u)
			e.mu.Unlock()
			return u
		},
		Hooks: e.hooks,
		Log:   log,
	}
	e.reg = session.NewRegistry(deps, session.RegistryOptions{})
	t.Cleanup(func() { _ = e.reg.Shutdown(context.Background()) })

	all := append([]ServerOption{WithRegistry(e.reg), WithHooks(e.hooks)}, opts...)
	e.srv = New(cfg, log, all...)
	e.ts = httptest.NewServer(e.srv.Handler())
	t.Cleanup(e.ts.Close)
	return e
}

func (e *testEnv) upstream(i int) *fakeUpstream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.upstreams[i]
}

func (e *testEnv) upstreamCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.upstreams)
}

func (e *testEnv) request(t *testing.T, method, path string, body any, secret string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	if secret != "" {
		req.Header.Set("X-Relay-Secret", secret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return e.request(t, method, path, body, testSecret)
}

func decodeAs[T any](t *testing.T, resp *http.Response, status int) T {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createRequest(id string) CreateRequest {
	return CreateRequest{CallID: id, TenantID: "tenant-a", StoreID: "store-1", DID: "5551000", CallerNumber: "+391234"}
}

func createSession(t *testing.T, e *testEnv, id string) CreateResponse {
	t.Helper()
	return decodeAs[CreateResponse](t, e.do(t, http.MethodPost, "/session/create", createRequest(id)), http.StatusOK)
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodGet, "/health", nil, "")
	health := decodeAs[HealthResponse](t, resp, http.StatusOK)
	assert.Equal(t, "ok", health.Status)
	// Public endpoint only returns status
	assert.Empty(t, health.Version)
}

func TestNotFoundEndpoint(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodGet, "/nonexistent", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestControlRoutesRequireSecret(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodPost, "/session/create", createRequest("call-1"), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.request(t, http.MethodPost, "/session/create", createRequest("call-1"), "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, e.upstreamCount())

	raw, _ := json.Marshal(createRequest("call-1"))
	req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/session/create", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+testSecret)
	bearer, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer bearer.Body.Close()
	assert.Equal(t, http.StatusOK, bearer.StatusCode)
}

func TestRateLimitAfterRepeatedFailures(t *testing.T) {
	e := newTestEnv(t)

	for i := 0; i < maxAuthFailures; i++ {
		resp := e.request(t, http.MethodGet, "/sessions", nil, "bad")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := e.do(t, http.MethodGet, "/sessions", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestSessionCreate(t *testing.T) {
	e := newTestEnv(t)

	got := createSession(t, e, "call-1")
	assert.NotEmpty(t, got.SessionID)
	assert.Equal(t, "call-1", got.CallID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.False(t, got.Existing)

	again := createSession(t, e, "call-1")
	assert.True(t, again.Existing)
	assert.Equal(t, got.SessionID, again.SessionID)
	assert.Equal(t, 1, e.upstreamCount())
}

func TestSessionCreateValidates(t *testing.T) {
	e := newTestEnv(t)

	req := createRequest("call-1")
	req.StoreID = ""
	resp := e.do(t, http.MethodPost, "/session/create", req)
	body := decodeAs[map[string]string](t, resp, http.StatusBadRequest)
	assert.Contains(t, body["error"], "storeId")

	resp = e.request(t, http.MethodPost, "/session/create", nil, testSecret)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, e.upstreamCount())
}

// Three 100 ms chunks go up, one 200 ms reply comes back on the next poll,
// and an empty poll waits out its timeout.
func TestPollingConversation(t *testing.T) {
	e := newTestEnv(t)
	createSession(t, e, "call-poll")

	for i := 0; i < 3; i++ {
		chunk := make([]byte, 3200)
		resp := e.do(t, http.MethodPost, "/stream/call-poll", StreamRequest{Audio: audio.ToBase64(chunk)})
		got := decodeAs[StreamResponse](t, resp, http.StatusOK)
		assert.Equal(t, "ok", got.Status)
		assert.Equal(t, 100, got.DurationMs)
	}
	up := e.upstream(0)
	assert.Equal(t, 9600, up.received())

	delta := make([]byte, 6400)
	for i := range delta {
		delta[i] = byte(i % 251)
	}
	up.emit(realtime.Event{Kind: realtime.KindAudioDelta, Audio: delta})

	poll := decodeAs[PollResponse](t, e.do(t, http.MethodGet, "/stream/call-poll/response?timeout=1000", nil), http.StatusOK)
	pcm, err := audio.FromBase64(poll.Audio)
	require.NoError(t, err)
	assert.Equal(t, delta, pcm)
	assert.True(t, poll.HasMore)

	start := time.Now()
	poll = decodeAs[PollResponse](t, e.do(t, http.MethodGet, "/stream/call-poll/response?timeout=200", nil), http.StatusOK)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Empty(t, poll.Audio)
	sess, ok := e.reg.Get("call-poll")
	require.True(t, ok)
	assert.Equal(t, sess.Status() == domain.StatusActive, poll.HasMore)
}

func TestPollingTranscriptAndTurnComplete(t *testing.T) {
	e := newTestEnv(t)
	createSession(t, e, "call-1")
	up := e.upstream(0)

	up.emit(realtime.Event{Kind: realtime.KindTranscriptDelta, Text: "Your order "})
	up.emit(realtime.Event{Kind: realtime.KindTranscriptDelta, Text: "has shipped."})
	up.emit(realtime.Event{Kind: realtime.KindResponseDone})

	var transcript string
	var turnComplete bool
	deadline := time.Now().Add(2 * time.Second)
	for !turnComplete && time.Now().Before(deadline) {
		poll := decodeAs[PollResponse](t, e.do(t, http.MethodGet, "/stream/call-1/response?timeout=200", nil), http.StatusOK)
		transcript += poll.Transcript
		turnComplete = poll.TurnComplete
	}
	assert.True(t, turnComplete)
	assert.Equal(t, "Your order has shipped.", transcript)
}

func TestStreamErrors(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/stream/missing", StreamRequest{Audio: audio.ToBase64([]byte{0, 0})})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	createSession(t, e, "call-1")
	resp = e.do(t, http.MethodPost, "/stream/call-1", StreamRequest{Audio: "***"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/stream/call-1", StreamRequest{Audio: audio.ToBase64([]byte{1, 2, 3})})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/stream/call-1/response?timeout=soon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, e.upstream(0).received())
}

func TestStreamAfterIdleSweep(t *testing.T) {
	e := newTestEnv(t)
	createSession(t, e, "call-idle")

	assert.Equal(t, 1, e.reg.Sweep(time.Now().Add(session.DefaultIdleThreshold+time.Minute)))
	require.Eventually(t, func() bool {
		_, ok := e.reg.Get("call-idle")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	resp := e.do(t, http.MethodPost, "/stream/call-idle", StreamRequest{Audio: audio.ToBase64([]byte{0, 0})})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/stream/call-idle/response?timeout=0", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, e.upstream(0).received())
}

func TestPollWaitClamp(t *testing.T) {
	cfg := config.PollingConfig{DefaultWaitMs: 5000, MaxWaitMs: 30000}
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", 5 * time.Second},
		{"250", 250 * time.Millisecond},
		{"-10", 0},
		{"0", 0},
		{"120000", 30 * time.Second},
	}
	for _, tt := range tests {
		got, err := pollWait(tt.raw, cfg)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	got, err := pollWait("", config.PollingConfig{})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(defaultPollWaitMs)*time.Millisecond, got)

	_, err = pollWait("1.5", cfg)
	assert.True(t, domain.IsValidation(err))
}

func TestSessionEnd(t *testing.T) {
	e := newTestEnv(t)
	createSession(t, e, "call-1")

	got := decodeAs[EndResponse](t, e.do(t, http.MethodPost, "/session/call-1/end", EndRequest{Reason: "caller done"}), http.StatusOK)
	assert.Equal(t, domain.StatusEnded, got.Status)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "call-1", got.Summary.CallID)
	assert.Equal(t, "caller done", got.Summary.Reason)

	again := decodeAs[EndResponse](t, e.do(t, http.MethodPost, "/session/call-1/end", nil), http.StatusOK)
	assert.Equal(t, domain.StatusEnded, again.Status)
	assert.Equal(t, got.Summary.SessionID, again.Summary.SessionID)

	resp := e.do(t, http.MethodPost, "/session/unknown/end", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, ok := e.reg.Get("call-1")
		return !ok
	}, time.Second, 10*time.Millisecond)
	resp = e.do(t, http.MethodGet, "/stream/call-1/response?timeout=0", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionGetAndList(t *testing.T) {
	e := newTestEnv(t)
	createSession(t, e, "call-b")
	createSession(t, e, "call-a")

	info := decodeAs[session.Info](t, e.do(t, http.MethodGet, "/session/call-a", nil), http.StatusOK)
	assert.Equal(t, "call-a", info.CallID)
	assert.Equal(t, transport.KindPolling, info.Transport)
	assert.Equal(t, "store-1", info.Context.StoreID)

	resp := e.do(t, http.MethodGet, "/session/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	list := decodeAs[struct {
		Sessions []SessionView `json:"sessions"`
	}](t, e.do(t, http.MethodGet, "/sessions", nil), http.StatusOK)
	require.Len(t, list.Sessions, 2)
	assert.Equal(t, "call-b", list.Sessions[0].CallID)
	assert.Equal(t, "call-a", list.Sessions[1].CallID)
	assert.Equal(t, domain.StatusActive, list.Sessions[0].Status)
	assert.Equal(t, "tenant-a", list.Sessions[0].Context.TenantID)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&domain.ValidationError{Field: "audio"}, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrSessionTerminal, http.StatusConflict},
		{transport.ErrClosed, http.StatusConflict},
		{&domain.TransportError{Op: "connect", Err: io.EOF}, http.StatusBadGateway},
		{&domain.UpstreamError{Type: "server_error"}, http.StatusBadGateway},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	e := newTestEnv(t, WithMetrics(m))

	e.request(t, http.MethodGet, "/health", nil, "")
	resp := e.request(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "callrelay_http_requests_total"))
}

func TestResolveBindAddr(t *testing.T) {
	tests := []struct {
		bind string
		port int
		want string
	}{
		{"loopback", 8787, "127.0.0.1:8787"},
		{"lan", 9999, "0.0.0.0:9999"},
		{"auto", 8080, "0.0.0.0:8080"},
		{"custom", 3000, "0.0.0.0:3000"},
		{"unknown", 5000, "127.0.0.1:5000"},
	}

	for _, tt := range tests {
		t.Run(tt.bind, func(t *testing.T) {
			addr := resolveBindAddr(config.GatewayConfig{Bind: tt.bind, Port: tt.port})
			assert.Equal(t, tt.want, addr)
		})
	}
}

func TestServerStart(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Port = 0 // let OS pick a port
	cfg.Gateway.Bind = "loopback"
	cfg.Gateway.Auth.Secret = testSecret

	hm := hooks.NewManager(logging.New(nil, "silent"))
	var started, stopped sync.WaitGroup
	started.Add(1)
	stopped.Add(1)
	hm.On(hooks.EventGatewayStart, "test", func(context.Context, hooks.Payload) error { started.Done(); return nil })
	hm.On(hooks.EventGatewayStop, "test", func(context.Context, hooks.Payload) error { stopped.Done(); return nil })

	srv := New(cfg, logging.New(nil, "silent"), WithHooks(hm))
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	started.Wait()
	require.NotEmpty(t, srv.Addr())
	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-errCh)
	stopped.Wait()
}
