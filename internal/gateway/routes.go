package gateway

import (
	"errors"
	"net/http"

	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/domain"
)

// registerHTTPRoutes sets up all HTTP routes on mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	metricsPath := s.cfg.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if s.metrics != nil && config.On(s.cfg.Metrics.Enabled) {
		mux.Handle("GET "+metricsPath, s.metrics.Handler())
	}

	if s.registry != nil {
		mux.HandleFunc("GET /sessions", s.requireAuth(s.handleSessionList))
		mux.HandleFunc("GET /session/{callId}", s.requireAuth(s.handleSessionGet))
		mux.HandleFunc("POST /session/{callId}/end", s.requireAuth(s.handleSessionEnd))

		if config.On(s.cfg.Transports.Polling.Enabled) {
			mux.HandleFunc("POST /session/create", s.requireAuth(s.handleSessionCreate))
			mux.HandleFunc("POST /stream/{callId}", s.requireAuth(s.handleStreamPush))
			mux.HandleFunc("GET /stream/{callId}/response", s.requireAuth(s.handleStreamResponse))
		}
		if config.On(s.cfg.Transports.Socket.Enabled) {
			mux.HandleFunc("GET /ws/call", s.handleCallSocket)
		}
	}

	if s.archive != nil {
		mux.HandleFunc("GET /calls", s.requireAuth(s.handleCallsRecent))
		mux.HandleFunc("GET /calls/search", s.requireAuth(s.handleCallsSearch))
		mux.HandleFunc("GET /calls/{callId}", s.requireAuth(s.handleCallGet))
	}

	mux.HandleFunc("GET /ws/admin", s.handleAdminSocket)

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// registerRPCHandlers sets up the admin websocket methods.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	if s.registry != nil {
		s.Handle("sessions.list", s.rpcSessionsList)
		s.Handle("session.get", s.rpcSessionGet)
		s.Handle("session.end", s.rpcSessionEnd)
	}
	if s.archive != nil {
		s.Handle("calls.recent", s.rpcCallsRecent)
		s.Handle("calls.search", s.rpcCallsSearch)
	}
}

type callParams struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

type recentParams struct {
	TenantID string `json:"tenantId,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type searchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Server) rpcHealth(rc *RequestContext) {
	h := HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Admins:   s.hub.Count(),
		UptimeMs: s.uptime().Milliseconds(),
	}
	if s.registry != nil {
		h.Sessions = s.registry.Len()
	}
	rc.Respond(h)
}

func (s *Server) rpcSessionsList(rc *RequestContext) {
	views, err := s.sessionViews()
	if err != nil {
		rc.RespondError(CodeInternal, err.Error())
		return
	}
	rc.Respond(map[string]any{"sessions": views})
}

func (s *Server) rpcSessionGet(rc *RequestContext) {
	var p callParams
	if err := rc.Params(&p); err != nil || p.CallID == "" {
		rc.RespondError(CodeInvalidParams, "callId is required")
		return
	}
	sess, ok := s.registry.Get(p.CallID)
	if !ok {
		rc.RespondError(CodeNotFound, domain.ErrNotFound.Error())
		return
	}
	rc.Respond(sess.Snapshot())
}

func (s *Server) rpcSessionEnd(rc *RequestContext) {
	var p callParams
	if err := rc.Params(&p); err != nil || p.CallID == "" {
		rc.RespondError(CodeInvalidParams, "callId is required")
		return
	}
	if p.Reason == "" {
		p.Reason = "ended by admin"
	}
	sum, err := s.registry.End(rc.Ctx, p.CallID, p.Reason)
	if err != nil {
		rc.RespondError(rpcCode(err), err.Error())
		return
	}
	rc.Respond(EndResponse{Status: sum.Status, Summary: &sum})
}

func (s *Server) rpcCallsRecent(rc *RequestContext) {
	var p recentParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError(CodeInvalidParams, err.Error())
		return
	}
	if p.Limit <= 0 {
		p.Limit = defaultListLimit
	}
	sums, err := s.archive.ListRecent(rc.Ctx, p.TenantID, p.Limit)
	if err != nil {
		rc.RespondError(rpcCode(err), err.Error())
		return
	}
	views, err := callViews(sums)
	if err != nil {
		rc.RespondError(CodeInternal, err.Error())
		return
	}
	rc.Respond(map[string]any{"calls": views})
}

func (s *Server) rpcCallsSearch(rc *RequestContext) {
	var p searchParams
	if err := rc.Params(&p); err != nil || p.Query == "" {
		rc.RespondError(CodeInvalidParams, "query is required")
		return
	}
	if p.Limit <= 0 {
		p.Limit = defaultListLimit
	}
	matches, err := s.archive.Search(rc.Ctx, p.Query, p.Limit)
	if err != nil {
		rc.RespondError(rpcCode(err), err.Error())
		return
	}
	rc.Respond(map[string]any{"matches": matches})
}

func rpcCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case domain.IsValidation(err):
		return CodeInvalidParams
	default:
		return CodeInternal
	}
}
