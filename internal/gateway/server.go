// Package gateway serves the relay's HTTP control surface: polling call
// endpoints, the call websocket, the admin websocket and health/metrics.
package gateway

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/hooks"
	"github.com/soyeahso/callrelay/internal/logging"
	"github.com/soyeahso/callrelay/internal/metrics"
	"github.com/soyeahso/callrelay/internal/session"
	"github.com/soyeahso/callrelay/internal/store"
	"github.com/soyeahso/callrelay/internal/version"
)

// Archive is the read side of the call summary store.
type Archive interface {
	Get(ctx context.Context, callID string) (domain.Summary, error)
	ListRecent(ctx context.Context, tenantID string, limit int) ([]domain.Summary, error)
	Search(ctx context.Context, query string, limit int) ([]store.TranscriptMatch, error)
}

var _ Archive = (*store.SummaryStore)(nil)

// Server is the relay gateway HTTP + WebSocket server.
type Server struct {
	cfg        config.Config
	auth       ResolvedAuth
	log        *logging.Logger
	registry   *session.Registry
	archive    Archive
	metrics    *metrics.Metrics
	hooks      *hooks.Manager
	hub        *AdminHub
	handlers   map[string]RequestHandler
	sampleRate int
	version    string

	mu         sync.Mutex
	startedAt  time.Time
	listenAddr string
	httpServer *http.Server

	upgrader    websocket.Upgrader
	authLimiter *failureLimiter
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithRegistry sets the session registry the call endpoints drive.
func WithRegistry(r *session.Registry) ServerOption {
	return func(s *Server) {
		s.registry = r
	}
}

// WithArchive enables the /calls endpoints and archive RPC methods.
func WithArchive(a Archive) ServerOption {
	return func(s *Server) {
		s.archive = a
	}
}

// WithMetrics sets the metrics served on the metrics path and recorded by
// the middleware.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHooks sets the hook manager for lifecycle events. Session hooks are
// also forwarded to admin clients.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hooks = hm
	}
}

// New creates a gateway server.
func New(cfg config.Config, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		auth:        ResolveAuth(cfg.Gateway.Auth),
		log:         log.Sub("gateway"),
		hub:         NewAdminHub(log.Sub("admin")),
		handlers:    make(map[string]RequestHandler),
		sampleRate:  cfg.Audio.SampleRate,
		version:     version.Version,
		authLimiter: newFailureLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Gateway.AllowedOrigins),
		},
	}
	if s.sampleRate <= 0 {
		s.sampleRate = 16000
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registerRPCHandlers()
	s.subscribeHooks()
	return s
}

// subscribeHooks forwards session lifecycle hooks to admin clients.
func (s *Server) subscribeHooks() {
	if s.hooks == nil {
		return
	}
	for _, ev := range callEvents {
		s.hooks.On(ev, "gateway-admin", func(_ context.Context, p hooks.Payload) error {
			s.hub.Broadcast(EventCall, CallEvent{Hook: p.Event, Data: p.Data})
			return nil
		})
	}
}

// callEvents are the hooks broadcast to admin clients.
var callEvents = []string{
	hooks.EventSessionStart,
	hooks.EventSessionEnd,
	hooks.EventToolCall,
	hooks.EventBargeIn,
	hooks.EventDTMF,
	hooks.EventFallback,
}

// checkWebSocketOrigin admits clients that send no Origin (telephony
// bridges, CLI tools); browsers must come from an allowed origin.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || originAllowed(origin, allowed)
	}
}

// resolveBindAddr maps the bind mode to a listen address. Unknown modes
// stay on loopback.
func resolveBindAddr(cfg config.GatewayConfig) string {
	host := "127.0.0.1"
	switch cfg.Bind {
	case "lan", "auto":
		host = "0.0.0.0"
	case "custom":
		host = cmp.Or(cfg.CustomBindHost, "0.0.0.0")
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

// Handler returns the routed mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)
	return withMiddleware(mux, s.log, s.metrics, s.cfg.Gateway.AllowedOrigins, s.auth.Header)
}

// listen opens the gateway socket, wrapped in TLS when configured.
func (s *Server) listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	tlsCfg := s.cfg.Gateway.TLS
	if !tlsCfg.Enabled {
		if s.cfg.Gateway.Bind != "loopback" {
			s.log.Warn().Msg("TLS is not enabled; the shared secret travels in cleartext")
		}
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	s.log.Info().Str("cert", tlsCfg.CertPath).Msg("TLS enabled")
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// Start serves HTTP and WebSocket clients until ctx is cancelled or the
// listener fails. Admin sockets are closed before in-flight requests drain.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen(resolveBindAddr(s.cfg.Gateway))
	if err != nil {
		return err
	}
	addr := ln.Addr().String()

	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// A long poll may hold its response for the full max wait.
		WriteTimeout: 30*time.Second + time.Duration(s.cfg.Transports.Polling.MaxWaitMs)*time.Millisecond,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.listenAddr = addr
	s.httpServer = srv
	s.mu.Unlock()

	go s.authLimiter.run(ctx)

	s.log.Info().
		Str("addr", addr).
		Str("bind", s.cfg.Gateway.Bind).
		Int("methods", len(s.handlers)).
		Msg("gateway listening")
	s.hooks.Emit(ctx, hooks.EventGatewayStart, map[string]any{"addr": addr})

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("stopping gateway")
		s.hooks.Emit(context.WithoutCancel(ctx), hooks.EventGatewayStop, map[string]any{"addr": addr})
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("gateway shutdown incomplete")
		}
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listen address, or empty string if not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

func (s *Server) uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}
