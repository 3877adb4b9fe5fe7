package gateway

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	authFailureWindow = 5 * time.Minute
	maxAuthFailures   = 10
	maxTrackedHosts   = 10000
)

// failureLimiter locks out hosts that keep presenting a bad secret. Every
// endpoint that checks the secret shares one limiter, so a PBX bridge that
// is misconfigured on /ws/call is also refused on the polling API.
type failureLimiter struct {
	mu    sync.Mutex
	now   func() time.Time
	hosts map[string][]time.Time
}

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{now: time.Now, hosts: make(map[string][]time.Time)}
}

// retryAfter is zero when host may try again, otherwise how long until its
// oldest counted failure leaves the window.
func (l *failureLimiter) retryAfter(remoteAddr string) time.Duration {
	host := hostOf(remoteAddr)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	recent := trimFailures(l.hosts[host], now)
	if len(recent) == 0 {
		delete(l.hosts, host)
		return 0
	}
	l.hosts[host] = recent
	if len(recent) < maxAuthFailures {
		return 0
	}
	return recent[len(recent)-maxAuthFailures].Add(authFailureWindow).Sub(now)
}

func (l *failureLimiter) fail(remoteAddr string) {
	host := hostOf(remoteAddr)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.hosts[host]; !ok && len(l.hosts) >= maxTrackedHosts {
		l.evictStalest()
	}
	l.hosts[host] = append(l.hosts[host], now)
}

// evictStalest drops the host whose latest failure is oldest.
func (l *failureLimiter) evictStalest() {
	var victim string
	var last time.Time
	for host, times := range l.hosts {
		if t := times[len(times)-1]; victim == "" || t.Before(last) {
			victim, last = host, t
		}
	}
	delete(l.hosts, victim)
}

func (l *failureLimiter) prune() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for host, times := range l.hosts {
		if recent := trimFailures(times, now); len(recent) > 0 {
			l.hosts[host] = recent
		} else {
			delete(l.hosts, host)
		}
	}
}

// run prunes expired hosts until ctx is done.
func (l *failureLimiter) run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.prune()
		}
	}
}

// trimFailures drops failures older than the window. times is ordered.
func trimFailures(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-authFailureWindow)
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

func hostOf(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// throttled answers 429 when r's host is locked out.
func (s *Server) throttled(w http.ResponseWriter, r *http.Request) bool {
	wait := s.authLimiter.retryAfter(r.RemoteAddr)
	if wait <= 0 {
		return false
	}
	s.log.Warn().Str("remote", r.RemoteAddr).Dur("retryAfter", wait).Msg("too many failed auth attempts")
	w.Header().Set("Retry-After", strconv.Itoa(int(wait/time.Second)+1))
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return true
}
