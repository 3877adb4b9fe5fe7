package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jinzhu/copier"

	"github.com/soyeahso/callrelay/internal/audio"
	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/session"
	"github.com/soyeahso/callrelay/internal/transport"
	"github.com/soyeahso/callrelay/internal/transport/polling"
	"github.com/soyeahso/callrelay/internal/transport/socket"
)

const (
	maxBodyBytes      = 4 << 20
	defaultListLimit  = 50
	defaultEndReason  = "ended by client"
	defaultPollWaitMs = 5000
	defaultPollMaxMs  = 30000
)

// HealthResponse is returned by /health. Only Status is public; the
// authenticated admin health method fills the rest.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Sessions int    `json:"sessions,omitempty"`
	Admins   int    `json:"admins,omitempty"`
	UptimeMs int64  `json:"uptimeMs,omitempty"`
}

// CreateRequest is the body of POST /session/create.
type CreateRequest struct {
	CallID       string `json:"callId"`
	TenantID     string `json:"tenantId"`
	StoreID      string `json:"storeId"`
	DID          string `json:"did"`
	CallerNumber string `json:"callerNumber"`
	AgentRef     string `json:"agentRef"`
}

// CreateResponse is returned by POST /session/create.
type CreateResponse struct {
	SessionID string        `json:"sessionId"`
	CallID    string        `json:"callId"`
	Status    domain.Status `json:"status"`
	Existing  bool          `json:"existing"`
}

// StreamRequest is the body of POST /stream/{callId}.
type StreamRequest struct {
	Audio string `json:"audio"`
}

// StreamResponse acknowledges one pushed chunk.
type StreamResponse struct {
	Status     string `json:"status"`
	DurationMs int    `json:"durationMs"`
}

// PollResponse is returned by GET /stream/{callId}/response.
type PollResponse struct {
	Audio        string             `json:"audio,omitempty"`
	Transcript   string             `json:"transcript,omitempty"`
	TurnComplete bool               `json:"turnComplete,omitempty"`
	Control      *transport.Control `json:"control,omitempty"`
	HasMore      bool               `json:"hasMore"`
}

// EndRequest is the optional body of POST /session/{callId}/end.
type EndRequest struct {
	Reason string `json:"reason"`
}

// EndResponse is returned by POST /session/{callId}/end.
type EndResponse struct {
	Status  domain.Status   `json:"status"`
	Summary *domain.Summary `json:"summary,omitempty"`
}

// SessionView is the list form of a live session.
type SessionView struct {
	SessionID      string             `json:"sessionId"`
	CallID         string             `json:"callId"`
	Context        domain.CallContext `json:"context"`
	Transport      string             `json:"transport"`
	Status         domain.Status      `json:"status"`
	CreatedAt      time.Time          `json:"createdAt"`
	LastActivityAt time.Time          `json:"lastActivityAt"`
	InboundBytes   int64              `json:"inboundBytes"`
	OutboundBytes  int64              `json:"outboundBytes"`
}

// CallView is the list form of an archived call.
type CallView struct {
	CallID     string             `json:"callId"`
	SessionID  string             `json:"sessionId"`
	Context    domain.CallContext `json:"context"`
	Status     domain.Status      `json:"status"`
	Reason     string             `json:"reason,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	EndedAt    time.Time          `json:"endedAt"`
	DurationMs int64              `json:"durationMs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeErr(w, err)
		return
	}
	cc := domain.CallContext{
		CallID:       req.CallID,
		TenantID:     req.TenantID,
		StoreID:      req.StoreID,
		DID:          req.DID,
		CallerNumber: req.CallerNumber,
		AgentRef:     req.AgentRef,
	}

	pa := polling.New()
	sess, created, err := s.registry.Create(r.Context(), cc, pa)
	if err != nil {
		pa.Close()
		s.writeErr(w, err)
		return
	}
	if !created {
		pa.Close()
	}
	writeJSON(w, http.StatusOK, CreateResponse{
		SessionID: sess.ID(),
		CallID:    cc.CallID,
		Status:    sess.Status(),
		Existing:  !created,
	})
}

// pollingSession resolves callId to a live session on the polling transport.
func (s *Server) pollingSession(callID string) (*session.CallSession, *polling.Adapter, error) {
	sess, ok := s.registry.Get(callID)
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	pa, ok := sess.Adapter().(*polling.Adapter)
	if !ok {
		return nil, nil, &domain.ValidationError{Field: "callId", Message: "session does not use the polling transport"}
	}
	return sess, pa, nil
}

func (s *Server) handleStreamPush(w http.ResponseWriter, r *http.Request) {
	_, pa, err := s.pollingSession(r.PathValue("callId"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var req StreamRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeErr(w, err)
		return
	}
	pcm, err := audio.FromBase64(req.Audio)
	if err != nil {
		s.writeErr(w, &domain.ValidationError{Field: "audio", Message: "not valid base64"})
		return
	}
	if err := pa.Push(r.Context(), pcm); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StreamResponse{
		Status:     "ok",
		DurationMs: audio.Duration(pcm, s.sampleRate),
	})
}

func (s *Server) handleStreamResponse(w http.ResponseWriter, r *http.Request) {
	sess, pa, err := s.pollingSession(r.PathValue("callId"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	wait, err := pollWait(r.URL.Query().Get("timeout"), s.cfg.Transports.Polling)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	got := pa.Poll(r.Context(), wait)
	resp := PollResponse{
		Transcript:   got.Transcript,
		TurnComplete: got.TurnComplete,
		Control:      got.Control,
		HasMore:      sess.Status() == domain.StatusActive,
	}
	if len(got.Audio) > 0 {
		resp.Audio = audio.ToBase64(got.Audio)
	}
	writeJSON(w, http.StatusOK, resp)
}

// pollWait parses the timeout query parameter in milliseconds and clamps it
// to [0, maxWaitMs]. An empty value means the configured default.
func pollWait(raw string, cfg config.PollingConfig) (time.Duration, error) {
	maxMs := cfg.MaxWaitMs
	if maxMs <= 0 {
		maxMs = defaultPollMaxMs
	}
	ms := cfg.DefaultWaitMs
	if ms <= 0 {
		ms = defaultPollWaitMs
	}
	if raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, &domain.ValidationError{Field: "timeout", Message: "must be an integer number of milliseconds"}
		}
		ms = v
	}
	ms = min(max(ms, 0), maxMs)
	return time.Duration(ms) * time.Millisecond, nil
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req EndRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = defaultEndReason
	}
	sum, err := s.registry.End(r.Context(), r.PathValue("callId"), req.Reason)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EndResponse{Status: sum.Status, Summary: &sum})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("callId"))
	if !ok {
		s.writeErr(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	views, err := s.sessionViews()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) sessionViews() ([]SessionView, error) {
	views := []SessionView{}
	if err := copier.Copy(&views, s.registry.List()); err != nil {
		return nil, err
	}
	return views, nil
}

func callViews(sums []domain.Summary) ([]CallView, error) {
	views := []CallView{}
	if err := copier.Copy(&views, sums); err != nil {
		return nil, err
	}
	return views, nil
}

func (s *Server) handleCallsRecent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(q.Get("limit"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	sums, err := s.archive.ListRecent(r.Context(), q.Get("tenant"), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	views, err := callViews(sums)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": views})
}

func (s *Server) handleCallGet(w http.ResponseWriter, r *http.Request) {
	sum, err := s.archive.Get(r.Context(), r.PathValue("callId"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleCallsSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		s.writeErr(w, &domain.ValidationError{Field: "q", Message: "required"})
		return
	}
	limit, err := queryLimit(q.Get("limit"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	matches, err := s.archive.Search(r.Context(), query, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func queryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &domain.ValidationError{Field: "limit", Message: "must be a positive integer"}
	}
	return n, nil
}

// handleCallSocket upgrades a telephony bridge connection into a socket
// transport and runs the call until the session ends.
func (s *Server) handleCallSocket(w http.ResponseWriter, r *http.Request) {
	if s.throttled(w, r) {
		return
	}
	if res := s.authorizeRequest(r, true); !res.OK {
		s.authLimiter.fail(r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	cc := socket.ContextFromQuery(r.URL.Query())
	if cc.CallID == "" {
		cc.CallID = r.Header.Get("X-Call-ID")
	}
	if missing := cc.Missing(); len(missing) > 0 {
		s.writeErr(w, &domain.ValidationError{Field: missing[0], Message: "required"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("call websocket upgrade failed")
		return
	}
	adapter := socket.New(conn, s.log.ForCall(cc.CallID))

	sess, created, err := s.registry.Create(r.Context(), cc, adapter)
	if err != nil {
		s.log.Warn().Err(err).Str("callId", cc.CallID).Msg("call session start failed")
		closeSocket(conn, websocket.CloseInternalServerErr, "session start failed")
		adapter.Close()
		return
	}
	if !created {
		closeSocket(conn, websocket.ClosePolicyViolation, "call already connected")
		adapter.Close()
		return
	}
	<-sess.Done()
}

func closeSocket(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}

// decodeBody reads a JSON body. allowEmpty accepts a missing body.
func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && allowEmpty:
		return nil
	default:
		return &domain.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
}

// statusForError maps relay errors to HTTP status codes.
func statusForError(err error) int {
	var (
		ve *domain.ValidationError
		te *domain.TransportError
		ue *domain.UpstreamError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionTerminal), errors.Is(err, transport.ErrClosed):
		return http.StatusConflict
	case errors.As(err, &te), errors.As(err, &ue):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
