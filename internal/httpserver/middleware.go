package httpserver

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/modelgate/modelgate/pkg/provider"
)

// maxTrackedClients bounds the per-client limiter map. Past the bound, stale
// entries are evicted before a new client is admitted.
const maxTrackedClients = 10000

// clientLimiter hands out one token bucket per caller. The bucket holds a
// full window's budget and refills at budget-per-window rate, approximating
// the fixed window the configuration describes.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientEntry
}

type clientEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newClientLimiter(window time.Duration, max int) *clientLimiter {
	return &clientLimiter{
		limit:   rate.Limit(float64(max) / window.Seconds()),
		burst:   max,
		clients: make(map[string]*clientEntry),
	}
}

// allow reports whether key may proceed, and on rejection how long until the
// next token frees up.
func (c *clientLimiter) allow(key string) (bool, time.Duration) {
	c.mu.Lock()
	e, ok := c.clients[key]
	if !ok {
		if len(c.clients) >= maxTrackedClients {
			c.evictStale()
		}
		e = &clientEntry{lim: rate.NewLimiter(c.limit, c.burst)}
		c.clients[key] = e
	}
	e.seen = time.Now()
	c.mu.Unlock()

	if e.lim.Allow() {
		return true, 0
	}
	res := e.lim.Reserve()
	wait := res.Delay()
	res.Cancel()
	return false, wait
}

// setLimits replaces the per-client budget. Existing buckets are dropped so
// every client starts fresh under the new budget.
func (c *clientLimiter) setLimits(window time.Duration, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = rate.Limit(float64(max) / window.Seconds())
	c.burst = max
	c.clients = make(map[string]*clientEntry)
}

// evictStale drops clients idle for over ten minutes. Called with mu held.
func (c *clientLimiter) evictStale() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for k, e := range c.clients {
		if e.seen.Before(cutoff) {
			delete(c.clients, k)
		}
	}
}

// credential extracts the caller's API key from the Authorization bearer
// header or the configured key header.
func (s *Server) credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.Header.Get(s.cfg.APIKeyHeader)
}

// gated reports whether the request falls under the /v1 policy tree.
func gated(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/v1/")
}

// auth enforces the opt-in API key on /v1 routes. With no key list
// configured, any non-empty credential passes.
func (s *Server) auth(next http.Handler) http.Handler {
	if !s.cfg.RequireAuth {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !gated(r) {
			next.ServeHTTP(w, r)
			return
		}
		cred := s.credential(r)
		if cred == "" {
			writeError(w, provider.Authentication("", "missing API key"))
			return
		}
		if s.keys != nil && !s.keys[cred] {
			writeError(w, provider.Authentication("", "invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects /v1 requests over the per-client budget with a 429 and
// a Retry-After hint. Clients are keyed by credential when present, else by
// remote address.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !gated(r) {
			next.ServeHTTP(w, r)
			return
		}
		key := s.credential(r)
		if key == "" {
			key = clientIP(r)
		}
		if ok, wait := s.limiter.allow(key); !ok {
			writeError(w, provider.RateLimited("", wait, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cors adds cross-origin headers and short-circuits preflight requests.
func (s *Server) cors(next http.Handler) http.Handler {
	if !s.cfg.CORSEnabled {
		return next
	}
	allowAll := len(s.cfg.CORSOrigins) == 0
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	allowHeaders := "Authorization, Content-Type, " + s.cfg.APIKeyHeader

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			h := w.Header()
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Max-Age", "300")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
