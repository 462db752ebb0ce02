package server

import (
	"bufio"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/dayuer/convai-widget/internal/metrics"
)

// withCORS allows every origin with credentials; the widget is embedded on
// arbitrary host pages.
func withCORS(next http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowOriginFunc:  func(string) bool { return true },
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(next)
}

// secureHeaders sets the usual hardening headers. Framing and cross-origin
// loading stay allowed so host pages can embed the widget.
func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-DNS-Prefetch-Control", "off")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Cross-Origin-Resource-Policy", "cross-origin")
		next.ServeHTTP(w, r)
	})
}

// limiter is a per-IP token bucket.
type limiter struct {
	name    string
	limit   rate.Limit
	burst   int
	message string

	mu       sync.Mutex
	visitors *expirable.LRU[string, *rate.Limiter]
}

func newLimiter(name string, l Limit, message string) *limiter {
	if l.Requests <= 0 || l.Window <= 0 {
		return nil
	}
	return &limiter{
		name:     name,
		limit:    rate.Limit(float64(l.Requests) / l.Window.Seconds()),
		burst:    l.Requests,
		message:  message,
		visitors: expirable.NewLRU[string, *rate.Limiter](10000, nil, 2*l.Window),
	}
}

func (l *limiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.visitors.Get(ip); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.visitors.Add(ip, lim)
	return lim
}

// allow takes a token for ip. When refused it returns how long to wait.
func (l *limiter) allow(ip string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	res := l.get(ip).Reserve()
	if !res.OK() {
		return false, time.Minute
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return false, d
	}
	return true, 0
}

func (l *limiter) reject(w http.ResponseWriter, wait time.Duration) {
	metrics.RateLimitedTotal.WithLabelValues(l.name).Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.burst))
	w.Header().Set("X-RateLimit-Remaining", "0")
	writeJSONError(w, l.message, http.StatusTooManyRequests)
}

// rateLimit applies the /api limit to every API call and the config limit on
// top of it for the config lookups.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path != "/api" && !strings.HasPrefix(path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if ok, wait := s.apiLimiter.allow(ip); !ok {
			s.apiLimiter.reject(w, wait)
			return
		}
		if path == "/api/config" || path == "/api/widget-config" {
			if ok, wait := s.configLimiter.allow(ip); !ok {
				s.configLimiter.reject(w, wait)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return hj.Hijack()
}

// instrument records request count and latency under the route pattern.
func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		metrics.HTTPRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
