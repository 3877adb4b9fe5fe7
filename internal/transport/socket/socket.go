// Package socket is the full-duplex websocket transport. Binary frames carry
// PCM16 audio; JSON objects carry call control.
package socket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/transport"
)

const writeTimeout = 5 * time.Second

// ContextFromQuery reads call metadata from the upgrade request's query.
func ContextFromQuery(q url.Values) domain.CallContext {
	return domain.CallContext{
		CallID:       q.Get("callId"),
		TenantID:     q.Get("tenantId"),
		StoreID:      q.Get("storeId"),
		DID:          q.Get("did"),
		CallerNumber: q.Get("callerNumber"),
		AgentRef:     q.Get("agentRef"),
	}
}

// Adapter wraps one accepted websocket connection.
type Adapter struct {
	conn *websocket.Conn
	log  *logging.Logger

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

var (
	_ transport.Adapter          = (*Adapter)(nil)
	_ transport.TranscriptWriter = (*Adapter)(nil)
	_ transport.TurnMarker       = (*Adapter)(nil)
	_ transport.EventWriter      = (*Adapter)(nil)
)

// New wraps an upgraded connection.
func New(conn *websocket.Conn, log *logging.Logger) *Adapter {
	return &Adapter{
		conn:   conn,
		log:    log.Sub("socket"),
		closed: make(chan struct{}),
	}
}

func (a *Adapter) Kind() string { return transport.KindSocket }

// ReceiveAudio reads frames until the peer disconnects or Close is called.
// A peer disconnect is reported as a TransportError.
func (a *Adapter) ReceiveAudio(ctx context.Context, sink transport.Sink) error {
	stop := context.AfterFunc(ctx, func() { _ = a.Close() })
	defer stop()

	for {
		mt, data, err := a.conn.ReadMessage()
		if err != nil {
			if a.isClosed() {
				return nil
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.log.Warn().Err(err).Msg("socket read failed")
			}
			return &domain.TransportError{Op: "receive", Err: err}
		}

		if in, ok := parseControl(data); ok {
			sink.HandleControl(in)
			if in.Type == transport.InboundHangup {
				return nil
			}
			continue
		}
		if mt != websocket.BinaryMessage {
			a.log.Debug().Int("len", len(data)).Msg("ignoring unrecognised text frame")
			continue
		}
		if err := sink.IngestAudio(data); err != nil {
			a.log.Debug().Err(err).Int("len", len(data)).Msg("audio frame rejected")
		}
	}
}

// parseControl recognises a control message by shape: a JSON object with a
// known event field.
func parseControl(data []byte) (transport.Inbound, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return transport.Inbound{}, false
	}
	var in transport.Inbound
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return transport.Inbound{}, false
	}
	switch in.Type {
	case transport.InboundDTMF, transport.InboundHangup, transport.InboundMark:
		return in, true
	}
	return transport.Inbound{}, false
}

// SendAudio writes one binary frame of PCM.
func (a *Adapter) SendAudio(_ context.Context, pcm []byte) error {
	return a.write(websocket.BinaryMessage, pcm)
}

// SendControl writes a transfer or hangup instruction as a JSON text frame.
func (a *Adapter) SendControl(_ context.Context, c transport.Control) error {
	return a.writeJSON(map[string]any{
		"event":     string(c.Type),
		"extension": c.Extension,
		"reason":    c.Reason,
	})
}

func (a *Adapter) WriteTranscript(role, text string) {
	if err := a.writeJSON(map[string]any{"event": "transcript", "role": role, "text": text}); err != nil {
		a.log.Debug().Err(err).Msg("transcript frame dropped")
	}
}

func (a *Adapter) MarkTurnComplete() {
	if err := a.writeJSON(map[string]any{"event": "turn_complete"}); err != nil {
		a.log.Debug().Err(err).Msg("turn frame dropped")
	}
}

func (a *Adapter) WriteEvent(name string, data map[string]any) {
	msg := map[string]any{"event": name}
	for k, v := range data {
		if k != "event" {
			msg[k] = v
		}
	}
	if err := a.writeJSON(msg); err != nil {
		a.log.Debug().Err(err).Str("event", name).Msg("event frame dropped")
	}
}

func (a *Adapter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.write(websocket.TextMessage, data)
}

func (a *Adapter) write(mt int, data []byte) error {
	if a.isClosed() {
		return transport.ErrClosed
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return &domain.TransportError{Op: "send", Err: err}
	}
	if err := a.conn.WriteMessage(mt, data); err != nil {
		return &domain.TransportError{Op: "send", Err: err}
	}
	return nil
}

func (a *Adapter) isClosed() bool {
	select {
	case <-a.closed:
		return true
	default:
		return false
	}
}

// Close sends a close frame and closes the connection. Safe to call more
// than once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		a.writeMu.Lock()
		_ = a.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = a.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
		a.writeMu.Unlock()
		err = a.conn.Close()
	})
	return err
}
