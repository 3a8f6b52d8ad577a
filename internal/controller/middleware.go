package controller

import (
	"context"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"vpnpool/internal/addrutil"
)

type ctxKey int

const requestIDKey ctxKey = 0

// HeaderRequestID is echoed back on every response.
const HeaderRequestID = "X-Request-ID"

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// withRequestID reuses a caller supplied request id or mints one.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(s.limiterKey(r), time.Now()) {
			s.metrics.RateLimited()
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiterKey is the peer address, or the forwarded client address when the
// peer is a trusted proxy.
func (s *Server) limiterKey(r *http.Request) string {
	host := addrutil.HostFromAddr(r.RemoteAddr)
	if host == "" {
		return addrutil.Unknown
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		for _, p := range s.trusted {
			if p.Contains(addr) {
				return addrutil.ClientIP(r)
			}
		}
	}
	return host
}

// route registers h under pattern and records its status and latency.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	name := pattern
	if name == "/" {
		name = "index"
	}
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		d := time.Since(start)
		s.metrics.Request(name, rec.status, d)
		s.log.Debug("Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", d,
			"request_id", requestID(r.Context()))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

const (
	limiterIdle    = 10 * time.Minute
	limiterMaxKeys = 4096
)

// clientLimiter keeps one token bucket per client address, at most maxKeys
// of them.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	maxKeys int
	clients map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newClientLimiter returns nil when rps is not positive.
func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		maxKeys: limiterMaxKeys,
		clients: make(map[string]*clientBucket),
	}
}

func (l *clientLimiter) allow(client string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[client]
	if !ok {
		if len(l.clients) >= l.maxKeys {
			l.pruneLocked(now)
		}
		if len(l.clients) >= l.maxKeys {
			l.evictOldestLocked()
		}
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *clientLimiter) pruneLocked(now time.Time) {
	for k, b := range l.clients {
		if now.Sub(b.lastSeen) > limiterIdle {
			delete(l.clients, k)
		}
	}
}

func (l *clientLimiter) evictOldestLocked() {
	var (
		oldest string
		seen   time.Time
	)
	for k, b := range l.clients {
		if oldest == "" || b.lastSeen.Before(seen) {
			oldest, seen = k, b.lastSeen
		}
	}
	delete(l.clients, oldest)
}
