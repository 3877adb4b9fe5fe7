package esl

import (
	"context"
	"time"

	"github.com/percipia/eslgo"

	"github.com/soyeahso/callrelay/internal/logging"
)

const handshakeTimeout = 10 * time.Second

// Handler takes ownership of an answered call. The connection is closed
// when it returns.
type Handler func(ctx context.Context, a *Adapter)

// Server accepts outbound event-socket connections from the switch.
type Server struct {
	listen  string
	opts    Options
	handler Handler
	log     *logging.Logger
}

// NewServer creates an event-socket server.
func NewServer(listen string, opts Options, handler Handler, log *logging.Logger) *Server {
	return &Server{
		listen:  listen,
		opts:    opts,
		handler: handler,
		log:     log.Sub("eventsocket"),
	}
}

// ListenAndServe serves until ctx ends or the listener fails. Ending ctx
// closes every open call connection. eslgo keeps the listening socket until
// the process exits.
func (s *Server) ListenAndServe(ctx context.Context) error {
	opts := eslgo.DefaultOutboundOptions
	opts.Context = ctx
	opts.Logger = switchLogger{s.log}
	opts.ConnectTimeout = handshakeTimeout

	errc := make(chan error, 1)
	go func() { errc <- opts.ListenAndServe(s.listen, s.handle) }()
	s.log.Info().Str("addr", s.listen).Msg("event socket listening")

	select {
	case err := <-errc:
		if ctx.Err() != nil {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

// handle runs once the switch answered connect with the channel data.
func (s *Server) handle(ctx context.Context, ec *eslgo.Conn, connected *eslgo.RawResponse) {
	if !connected.IsOk() {
		s.log.Warn().Err(replyError(connected.GetReply())).Msg("event socket handshake failed")
		return
	}
	channel := unescapeHeader(connected.Headers)
	conn := newConn(ctx, ec, channel.Get("Unique-ID"))

	a := newAdapter(conn, channel, s.opts, s.log)
	if err := a.answer(ctx); err != nil {
		a.log.Warn().Err(err).Msg("answering call failed")
		_ = a.Close()
		return
	}
	a.log.Info().
		Str("did", a.call.DID).
		Str("caller", a.call.CallerNumber).
		Msg("call accepted")
	s.handler(ctx, a)
}

// switchLogger routes eslgo's printf-style logging into the relay log.
// eslgo reports every connection at info; those go to debug.
type switchLogger struct {
	log *logging.Logger
}

func (l switchLogger) Debug(format string, args ...any) { l.log.Debug().Msgf(format, args...) }
func (l switchLogger) Info(format string, args ...any)  { l.log.Debug().Msgf(format, args...) }
func (l switchLogger) Warn(format string, args ...any)  { l.log.Warn().Msgf(format, args...) }
func (l switchLogger) Error(format string, args ...any) { l.log.Error().Msgf(format, args...) }
