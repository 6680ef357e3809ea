// Package middleware holds HTTP wrappers shared by the local servers.
package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// APIHeaders marks responses as uncacheable JSON that must not be framed or
// sniffed.
func APIHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000")
		}
		next.ServeHTTP(w, r)
	})
}

// PeerLimiter applies a token bucket per remote IP. Buckets idle for longer
// than the idle window are evicted on the next request.
type PeerLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	peers     map[string]*peer
	lastSweep time.Time
}

type peer struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPeerLimiter allows perMinute requests per peer with the given burst.
func NewPeerLimiter(perMinute, burst int) *PeerLimiter {
	if burst < 1 {
		burst = 1
	}
	return &PeerLimiter{
		limit: rate.Limit(float64(perMinute) / 60),
		burst: burst,
		idle:  3 * time.Minute,
		now:   time.Now,
		peers: make(map[string]*peer),
	}
}

// Allow reports whether a request from ip may proceed.
func (l *PeerLimiter) Allow(ip string) bool {
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) > l.idle {
		for k, p := range l.peers {
			if now.Sub(p.lastSeen) > l.idle {
				delete(l.peers, k)
			}
		}
		l.lastSweep = now
	}
	p, ok := l.peers[ip]
	if !ok {
		p = &peer{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.peers[ip] = p
	}
	p.lastSeen = now
	l.mu.Unlock()
	return p.limiter.AllowN(now, 1)
}

// Peers returns the number of tracked peers.
func (l *PeerLimiter) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// Wrap rejects requests over the peer's budget with 429.
func (l *PeerLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(RemoteIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"message":"You are being rate limited.","code":0}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RemoteIP returns the TCP peer address without its port. Forwarding headers
// are ignored.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
