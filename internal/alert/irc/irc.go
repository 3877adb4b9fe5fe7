// Package irc posts call alerts to IRC channels using the girc library.
package irc

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	"github.com/lrstanley/girc"

	"github.com/soyeahso/callrelay/internal/alert"
	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/logging"
)

// maxLineLen keeps PRIVMSG bodies under the 512 byte protocol limit.
const maxLineLen = 400

// Sink implements alert.Sink for IRC.
type Sink struct {
	cfg    config.IRCConfig
	client *girc.Client
	log    *logging.Logger

	mu      sync.RWMutex
	running bool
	lastErr string
}

// New creates an IRC alert sink from configuration.
func New(cfg config.IRCConfig, log *logging.Logger) *Sink {
	return &Sink{
		cfg: cfg,
		log: log.Sub("irc"),
	}
}

func (s *Sink) ID() string { return "irc" }

// Status returns the current runtime status.
func (s *Sink) Status() alert.SinkStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return alert.SinkStatus{
		SinkID:    "irc",
		Connected: s.client != nil && s.client.IsConnected(),
		Running:   s.running,
		LastError: s.lastErr,
	}
}

func (s *Sink) port() int {
	if s.cfg.Port != 0 {
		return s.cfg.Port
	}
	if s.cfg.UseTLS {
		return 6697
	}
	return 6667
}

func (s *Sink) clientConfig() girc.Config {
	gc := girc.Config{
		Server:  s.cfg.Server,
		Port:    s.port(),
		Nick:    s.cfg.Nick,
		User:    s.cfg.Nick,
		Name:    "callrelay alerts",
		SSL:     s.cfg.UseTLS,
		Version: "callrelay",
	}
	if s.cfg.UseTLS {
		gc.TLSConfig = &tls.Config{ServerName: s.cfg.Server}
	}
	if s.cfg.SASL && s.cfg.Password != "" {
		gc.SASL = &girc.SASLPlain{User: s.cfg.Nick, Pass: s.cfg.Password}
	} else if s.cfg.Password != "" {
		gc.ServerPass = s.cfg.Password
	}
	return gc
}

// Start connects to the IRC server and blocks until the connection ends or
// ctx is cancelled.
func (s *Sink) Start(ctx context.Context) error {
	client := girc.New(s.clientConfig())
	client.Handlers.Add(girc.CONNECTED, s.onConnected)
	client.Handlers.Add(girc.DISCONNECTED, s.onDisconnected)

	s.mu.Lock()
	s.client = client
	s.running = true
	s.lastErr = ""
	s.mu.Unlock()

	s.log.Info().
		Str("server", s.cfg.Server).
		Int("port", s.port()).
		Str("nick", s.cfg.Nick).
		Strs("channels", s.cfg.Channels).
		Bool("tls", s.cfg.UseTLS).
		Msg("connecting to IRC")

	// Connect blocks for the life of the connection.
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Connect()
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		if err != nil {
			s.lastErr = err.Error()
		}
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("irc connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		client.Close()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Stop disconnects from the IRC server.
func (s *Sink) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && s.client.IsConnected() {
		s.log.Info().Msg("disconnecting from IRC")
		s.client.Quit("callrelay shutting down")
	}
	s.running = false
	return nil
}

// Send posts the alert to every configured channel.
func (s *Sink) Send(_ context.Context, a alert.Alert) error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return fmt.Errorf("irc: not connected")
	}
	if len(s.cfg.Channels) == 0 {
		return fmt.Errorf("irc: no channels configured")
	}

	lines := splitMessage(a.Text(), maxLineLen)
	for _, ch := range s.cfg.Channels {
		for _, line := range lines {
			client.Cmd.Message(ch, line)
		}
	}
	s.log.Debug().Str("callId", a.CallID).Int("lines", len(lines)).Msg("sent IRC alert")
	return nil
}

func (s *Sink) onConnected(c *girc.Client, _ girc.Event) {
	s.log.Info().Str("nick", c.GetNick()).Msg("connected to IRC")
	for _, ch := range s.cfg.Channels {
		c.Cmd.Join(ch)
		s.log.Debug().Str("channel", ch).Msg("joined channel")
	}
}

func (s *Sink) onDisconnected(_ *girc.Client, _ girc.Event) {
	s.log.Warn().Msg("disconnected from IRC")
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// splitMessage breaks text into IRC-sized lines. Each newline starts a new
// line and lines longer than maxLen are split at the byte boundary.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for _, line := range strings.Split(text, "\n") {
		for len(line) > maxLen {
			chunks = append(chunks, line[:maxLen])
			line = line[maxLen:]
		}
		if line != "" {
			chunks = append(chunks, line)
		}
	}
	if len(chunks) == 0 {
		return []string{text}
	}
	return chunks
}
