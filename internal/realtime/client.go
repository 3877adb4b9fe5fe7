// Package realtime is the websocket client for the upstream speech engine.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soyeahso/callrelay/internal/audio"
	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/logging"
)

// ErrClosed is returned by sends after Disconnect or a dropped connection.
var ErrClosed = errors.New("realtime: connection closed")

const (
	writeTimeout = 5 * time.Second
	eventBuffer  = 256
)

// Client is one upstream connection. It is owned by a single call session.
type Client struct {
	cfg    config.RealtimeConfig
	log    *logging.Logger
	dialer *websocket.Dialer

	conn    *websocket.Conn
	writeMu sync.Mutex

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates an unconnected client.
func NewClient(cfg config.RealtimeConfig, log *logging.Logger) *Client {
	return &Client{
		cfg:    cfg,
		log:    log.Sub("realtime"),
		dialer: websocket.DefaultDialer,
		events: make(chan Event, eventBuffer),
		closed: make(chan struct{}),
	}
}

// Connect dials the engine and negotiates the session.
func (c *Client) Connect(ctx context.Context, sc SessionConfig) error {
	target, err := c.endpoint()
	if err != nil {
		return &domain.TransportError{Op: "connect", Err: err}
	}

	if c.cfg.DialTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.DialTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		te := &domain.TransportError{Op: "connect", Err: err}
		if resp != nil {
			te.Status = resp.StatusCode
		}
		return te
	}
	c.conn = conn
	go c.readLoop()

	if err := c.send(sessionUpdateMsg{Type: typeSessionUpdate, Session: sc}); err != nil {
		c.Disconnect()
		return &domain.TransportError{Op: "session.update", Err: err}
	}
	c.log.Debug().Str("model", c.cfg.Model).Msg("upstream session negotiated")
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	if c.cfg.Model != "" {
		q := u.Query()
		q.Set("model", c.cfg.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Events delivers decoded server events. The channel closes when the
// connection ends.
func (c *Client) Events() <-chan Event { return c.events }

// SendAudioChunk appends PCM to the engine's input buffer.
func (c *Client) SendAudioChunk(pcm []byte) error {
	return c.send(appendMsg{Type: typeBufferAppend, Audio: audio.ToBase64(pcm)})
}

// Commit seals the input buffer as a user turn.
func (c *Client) Commit() error { return c.send(bareMsg{Type: typeBufferCommit}) }

// Clear discards uncommitted input audio.
func (c *Client) Clear() error { return c.send(bareMsg{Type: typeBufferClear}) }

// RequestResponse asks the engine to produce a reply.
func (c *Client) RequestResponse() error { return c.send(bareMsg{Type: typeResponseCreate}) }

// SendFunctionOutput returns a tool result and asks for the follow-up reply.
func (c *Client) SendFunctionOutput(callID string, output json.RawMessage) error {
	msg := itemCreateMsg{
		Type: typeItemCreate,
		Item: functionOutputItem{Type: "function_call_output", CallID: callID, Output: string(output)},
	}
	if err := c.send(msg); err != nil {
		return err
	}
	return c.RequestResponse()
}

// Disconnect closes the connection. Safe to call more than once.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn == nil {
			return
		}
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) send(v any) error {
	if c.conn == nil || c.isClosed() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(v); err != nil {
		return &domain.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.log.Warn().Err(err).Msg("upstream connection lost")
			ev := Event{
				Kind: KindClosed,
				Type: "closed",
				Err:  &domain.UpstreamError{Type: "connection_closed", Message: err.Error()},
			}
			select {
			case c.events <- ev:
			case <-c.closed:
			}
			return
		}

		ev := decodeEvent(raw)
		if ev.Kind == KindUnknown {
			c.log.Trace().Str("type", ev.Type).Msg("ignoring upstream event")
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}
