package gateway

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/realtime"
	"github.com/soyeahso/callrelay/internal/transport"
)

func callQuery(id, secret string) string {
	q := url.Values{}
	q.Set("callId", id)
	q.Set("tenantId", "tenant-a")
	q.Set("storeId", "store-1")
	q.Set("did", "5551000")
	if secret != "" {
		q.Set("secret", secret)
	}
	return q.Encode()
}

func dialCall(t *testing.T, e *testEnv, id string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e, "/ws/call?"+callQuery(id, testSecret)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestCallSocketRelaysAudio(t *testing.T) {
	e := newTestEnv(t)
	conn := dialCall(t, e, "call-ws")

	require.Eventually(t, func() bool {
		sess, ok := e.reg.Get("call-ws")
		return ok && sess.Status() == domain.StatusActive
	}, 2*time.Second, 10*time.Millisecond)
	sess, _ := e.reg.Get("call-ws")
	assert.Equal(t, transport.KindSocket, sess.Adapter().Kind())

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)))
	up := e.upstream(0)
	require.Eventually(t, func() bool { return up.received() == 320 }, time.Second, 10*time.Millisecond)

	up.emit(realtime.Event{Kind: realtime.KindAudioDelta, Audio: []byte{1, 0, 2, 0}})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, []byte{1, 0, 2, 0}, data)
}

func TestCallSocketHangupEndsSession(t *testing.T) {
	e := newTestEnv(t)
	conn := dialCall(t, e, "call-ws")

	require.Eventually(t, func() bool {
		_, ok := e.reg.Get("call-ws")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	sess, _ := e.reg.Get("call-ws")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"hangup"}`)))

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after hangup")
	}
	sum, ok := sess.Summary()
	require.True(t, ok)
	assert.Equal(t, domain.StatusEnded, sum.Status)
	assert.Equal(t, "caller hung up", sum.Reason)
}

func TestCallSocketRequiresSecret(t *testing.T) {
	e := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(e, "/ws/call?"+callQuery("call-ws", "")), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("X-Relay-Secret", testSecret)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e, "/ws/call?"+callQuery("call-ws", "")), header)
	require.NoError(t, err)
	conn.Close()
}

func TestCallSocketRequiresContext(t *testing.T) {
	e := newTestEnv(t)

	q := url.Values{}
	q.Set("callId", "call-ws")
	q.Set("secret", testSecret)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(e, "/ws/call?"+q.Encode()), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, e.upstreamCount())
}

func TestCallSocketDuplicateIsRefused(t *testing.T) {
	e := newTestEnv(t)
	dialCall(t, e, "call-ws")
	require.Eventually(t, func() bool {
		_, ok := e.reg.Get("call-ws")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	second := dialCall(t, e, "call-ws")
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation, websocket.CloseNormalClosure))
	assert.Equal(t, 1, e.upstreamCount())

	sess, ok := e.reg.Get("call-ws")
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, sess.Status())
}
