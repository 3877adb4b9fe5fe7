// Package esl is the telephony event-socket transport. The switch connects
// to the relay (outbound mode), audio is captured to a file the relay polls,
// and replies are played back from WAV files.
package esl

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/percipia/eslgo"
	"github.com/percipia/eslgo/command"
)

// ErrConnClosed is returned by commands issued after the socket went away.
var ErrConnClosed = errors.New("esl: connection closed")

// Event is one channel event delivered by the switch.
type Event struct {
	ev *eslgo.Event
}

func (e Event) Name() string          { return e.ev.GetName() }
func (e Event) Get(key string) string { return e.ev.GetHeader(key) }

// unescapeHeader decodes channel data. Header values are URL-encoded by the
// switch.
func unescapeHeader(h textproto.MIMEHeader) textproto.MIMEHeader {
	out := make(textproto.MIMEHeader, len(h))
	for k, vs := range h {
		decoded := make([]string, len(vs))
		for i, v := range vs {
			if u, err := url.PathUnescape(v); err == nil {
				v = u
			}
			decoded[i] = v
		}
		out[k] = decoded
	}
	return out
}

// rawCommand is a bare event-socket command such as "linger".
type rawCommand string

func (c rawCommand) BuildMessage() string { return string(c) }

// Conn is the switch's connection for one channel. eslgo owns the socket
// and its read loop; Conn scopes commands to the channel and queues its
// events for the adapter.
type Conn struct {
	ec          *eslgo.Conn
	channelUUID string
	events      chan Event
	done        <-chan struct{}
	listenerID  string
}

// newConn subscribes to every event on ec. ctx is the connection's running
// context and ends when the socket goes away.
func newConn(ctx context.Context, ec *eslgo.Conn, channelUUID string) *Conn {
	c := &Conn{
		ec:          ec,
		channelUUID: channelUUID,
		events:      make(chan Event, 64),
		done:        ctx.Done(),
	}
	c.listenerID = ec.RegisterEventListener(eslgo.EventListenAll, c.deliver)
	return c
}

// deliver runs on an eslgo listener goroutine.
func (c *Conn) deliver(ev *eslgo.Event) {
	select {
	case c.events <- Event{ev: ev}:
	case <-c.done:
	}
}

// Events delivers channel events until Done is closed.
func (c *Conn) Events() <-chan Event { return c.events }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Command sends cmd and waits for its reply. An -ERR reply is an error.
func (c *Conn) Command(ctx context.Context, cmd command.Command) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	resp, err := c.ec.SendCommand(ctx, cmd)
	if err != nil {
		select {
		case <-c.done:
			return ErrConnClosed
		default:
			return err
		}
	}
	if !resp.IsOk() {
		return replyError(resp.GetReply())
	}
	return nil
}

func replyError(reply string) error {
	return fmt.Errorf("esl: %s", strings.TrimSpace(strings.TrimPrefix(reply, "-ERR")))
}

// Execute runs a dialplan application on the channel. eventUUID tags the
// resulting CHANNEL_EXECUTE_COMPLETE event.
func (c *Conn) Execute(ctx context.Context, app, arg, eventUUID string) error {
	return c.Command(ctx, executeCommand(c.channelUUID, app, arg, eventUUID))
}

func executeCommand(channelUUID, app, arg, eventUUID string) *command.SendMessage {
	h := textproto.MIMEHeader{}
	h.Set("call-command", "execute")
	h.Set("execute-app-name", app)
	if arg != "" {
		h.Set("execute-app-arg", arg)
	}
	if eventUUID != "" {
		h.Set("Event-UUID", eventUUID)
	}
	return &command.SendMessage{UUID: channelUUID, Headers: h}
}

// Close stops event delivery and closes the socket.
func (c *Conn) Close() error {
	c.ec.RemoveEventListener(eslgo.EventListenAll, c.listenerID)
	c.ec.Close()
	return nil
}
