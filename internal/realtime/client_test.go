package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/logging"
)

type fakeEngine struct {
	srv      *httptest.Server
	received chan map[string]any
	conns    chan *websocket.Conn
	headers  chan http.Header
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	fe := &fakeEngine{
		received: make(chan map[string]any, 64),
		conns:    make(chan *websocket.Conn, 1),
		headers:  make(chan http.Header, 1),
	}
	upgrader := websocket.Upgrader{}
	fe.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fe.headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fe.conns <- conn
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			fe.received <- msg
		}
	}))
	t.Cleanup(fe.srv.Close)
	return fe
}

func (fe *fakeEngine) url() string {
	return "ws" + strings.TrimPrefix(fe.srv.URL, "http")
}

func (fe *fakeEngine) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-fe.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return nil
	}
}

func testConfig(url string) config.RealtimeConfig {
	cfg := config.Defaults().Realtime
	cfg.URL = url
	cfg.APIKey = "sk-test"
	return cfg
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestConnectNegotiatesSession(t *testing.T) {
	fe := newFakeEngine(t)
	cfg := testConfig(fe.url())
	c := NewClient(cfg, logging.New(nil, "silent"))

	sc := NewSessionConfig(cfg, "be helpful", []ToolDefinition{{
		Type: "function", Name: "crm_lookup_customer", Parameters: json.RawMessage(`{"type":"object"}`),
	}})
	require.NoError(t, c.Connect(context.Background(), sc))
	defer c.Disconnect()

	h := <-fe.headers
	assert.Equal(t, "Bearer sk-test", h.Get("Authorization"))
	assert.Equal(t, "realtime=v1", h.Get("OpenAI-Beta"))

	msg := fe.next(t)
	assert.Equal(t, "session.update", msg["type"])
	session := msg["session"].(map[string]any)
	assert.Equal(t, "be helpful", session["instructions"])
	assert.Equal(t, "pcm16", session["input_audio_format"])
	td := session["turn_detection"].(map[string]any)
	assert.Equal(t, "server_vad", td["type"])
	tools := session["tools"].([]any)
	assert.Len(t, tools, 1)
}

func TestSessionConfigTurnDetectionNone(t *testing.T) {
	cfg := testConfig("wss://example.invalid")
	cfg.TurnDetection.Type = "none"
	sc := NewSessionConfig(cfg, "", nil)
	assert.Nil(t, sc.TurnDetection)
	assert.Equal(t, cfg.DefaultInstructions, sc.Instructions)
	assert.Empty(t, sc.ToolChoice)

	data, err := json.Marshal(sc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"turn_detection":null`)
}

func TestSendMessages(t *testing.T) {
	fe := newFakeEngine(t)
	c := NewClient(testConfig(fe.url()), logging.New(nil, "silent"))
	require.NoError(t, c.Connect(context.Background(), SessionConfig{}))
	defer c.Disconnect()
	fe.next(t) // session.update

	require.NoError(t, c.SendAudioChunk([]byte{0x01, 0x00, 0xff, 0x7f}))
	msg := fe.next(t)
	assert.Equal(t, "input_audio_buffer.append", msg["type"])
	assert.Equal(t, "AQD/fw==", msg["audio"])

	require.NoError(t, c.Commit())
	assert.Equal(t, "input_audio_buffer.commit", fe.next(t)["type"])

	require.NoError(t, c.Clear())
	assert.Equal(t, "input_audio_buffer.clear", fe.next(t)["type"])

	require.NoError(t, c.SendFunctionOutput("call_1", json.RawMessage(`{"ok":true}`)))
	msg = fe.next(t)
	assert.Equal(t, "conversation.item.create", msg["type"])
	item := msg["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "call_1", item["call_id"])
	assert.Equal(t, `{"ok":true}`, item["output"])
	assert.Equal(t, "response.create", fe.next(t)["type"])
}

func TestEventsDelivered(t *testing.T) {
	fe := newFakeEngine(t)
	c := NewClient(testConfig(fe.url()), logging.New(nil, "silent"))
	require.NoError(t, c.Connect(context.Background(), SessionConfig{}))
	defer c.Disconnect()
	conn := <-fe.conns

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "some.future.event"}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": "AQD/fw=="}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "response.function_call_arguments.done", "call_id": "c9", "name": "search_offers", "arguments": `{"query":"tyres"}`,
	}))

	ev := nextEvent(t, c)
	assert.Equal(t, KindAudioDelta, ev.Kind)
	assert.Equal(t, []byte{0x01, 0x00, 0xff, 0x7f}, ev.Audio)

	ev = nextEvent(t, c)
	require.Equal(t, KindFunctionCall, ev.Kind)
	assert.Equal(t, "c9", ev.Call.CallID)
	assert.Equal(t, "search_offers", ev.Call.Name)
	assert.JSONEq(t, `{"query":"tyres"}`, string(ev.Call.Arguments))
}

func TestUnexpectedCloseEmitsClosed(t *testing.T) {
	fe := newFakeEngine(t)
	c := NewClient(testConfig(fe.url()), logging.New(nil, "silent"))
	require.NoError(t, c.Connect(context.Background(), SessionConfig{}))
	defer c.Disconnect()
	conn := <-fe.conns
	require.NoError(t, conn.Close())

	ev := nextEvent(t, c)
	assert.Equal(t, KindClosed, ev.Kind)
	assert.True(t, ev.Terminal())

	_, ok := <-c.Events()
	assert.False(t, ok)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	fe := newFakeEngine(t)
	c := NewClient(testConfig(fe.url()), logging.New(nil, "silent"))
	require.NoError(t, c.Connect(context.Background(), SessionConfig{}))

	c.Disconnect()
	c.Disconnect()
	assert.ErrorIs(t, c.Commit(), ErrClosed)

	select {
	case _, ok := <-c.Events():
		if ok {
			// drain anything queued before close
			for range c.Events() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after disconnect")
	}
}

func TestConnectHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(testConfig("ws"+strings.TrimPrefix(srv.URL, "http")), logging.New(nil, "silent"))
	err := c.Connect(context.Background(), SessionConfig{})
	require.Error(t, err)

	var te *domain.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "connect", te.Op)
	assert.Equal(t, http.StatusUnauthorized, te.Status)
}

func TestSendBeforeConnect(t *testing.T) {
	c := NewClient(testConfig("wss://example.invalid"), logging.New(nil, "silent"))
	assert.ErrorIs(t, c.SendAudioChunk([]byte{0, 0}), ErrClosed)
}
