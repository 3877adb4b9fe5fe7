package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/soyeahso/callrelay/internal/config"
)

const defaultSecretHeader = "X-Relay-Secret"

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"` // "header" | "bearer" | "query" | "connect"
	Reason string `json:"reason,omitempty"`
}

// ResolvedAuth holds the shared secret and the header it is presented in.
type ResolvedAuth struct {
	Secret string
	Header string
}

// ResolveAuth fills in the header name default. The secret itself has
// already been resolved from env by the config loader.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	auth := ResolvedAuth{Secret: cfg.Secret, Header: cfg.Header}
	if auth.Header == "" {
		auth.Header = defaultSecretHeader
	}
	return auth
}

// Authorize compares a presented secret with the configured one.
func Authorize(serverAuth ResolvedAuth, presented, method string) AuthResult {
	if serverAuth.Secret == "" {
		return AuthResult{OK: false, Reason: "server secret not configured"}
	}
	if presented == "" {
		return AuthResult{OK: false, Reason: "secret required"}
	}
	if !safeEqual(presented, serverAuth.Secret) {
		return AuthResult{OK: false, Reason: "secret_mismatch"}
	}
	return AuthResult{OK: true, Method: method}
}

// credentialFromRequest extracts the secret from the configured header,
// then an Authorization bearer token. allowQuery additionally accepts
// ?secret= for websocket clients that cannot set headers.
func credentialFromRequest(r *http.Request, header string, allowQuery bool) (string, string) {
	if v := r.Header.Get(header); v != "" {
		return v, "header"
	}
	if v := r.Header.Get("Authorization"); v != "" {
		if token, ok := strings.CutPrefix(v, "Bearer "); ok {
			return strings.TrimSpace(token), "bearer"
		}
	}
	if allowQuery {
		if v := r.URL.Query().Get("secret"); v != "" {
			return v, "query"
		}
	}
	return "", ""
}

// authorizeRequest authenticates an HTTP request.
func (s *Server) authorizeRequest(r *http.Request, allowQuery bool) AuthResult {
	presented, method := credentialFromRequest(r, s.auth.Header, allowQuery)
	return Authorize(s.auth, presented, method)
}

// requireAuth rejects requests without the shared secret. Failed attempts
// count toward the per-IP limiter.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.throttled(w, r) {
			return
		}
		res := s.authorizeRequest(r, false)
		if !res.OK {
			s.authLimiter.fail(r.RemoteAddr)
			s.log.Debug().Str("remote", r.RemoteAddr).Str("reason", res.Reason).Msg("unauthorized request")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// safeEqual performs a constant-time string comparison.
// It avoids early-return on length mismatch so the secret length does not
// leak via timing.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}
