package httpapi

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/park285/mc-authbridge/internal/apperr"
	"github.com/park285/mc-authbridge/internal/authtoken"
)

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.status = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.status = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// Flush keeps the event stream working behind the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// requestLog logs one line per request and counts responses by route.
func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		a.metrics.RecordHTTPStatus(route, rec.status)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		}
		switch {
		case rec.status >= 500:
			a.log.Error("http_request", fields...)
		case rec.status >= 400:
			a.log.Warn("http_request", fields...)
		default:
			a.log.Info("http_request", fields...)
		}
	})
}

func (a *API) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				a.log.Error("http_panic",
					zap.Any("panic", p),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				a.writeError(w, r, apperr.Internal(errors.New("panic")))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ipLimiter throttles each client address with its own token bucket.
type ipLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*clientLimiter
	ttl     time.Duration
}

func newIPLimiter(perMinute int) *ipLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	return &ipLimiter{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
		clients: make(map[string]*clientLimiter),
		ttl:     10 * time.Minute,
	}
}

func (l *ipLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if c, ok := l.clients[key]; ok {
		c.lastAccess = now
		return c.limiter
	}
	c := &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst), lastAccess: now}
	l.clients[key] = c
	return c.limiter
}

// cleanup drops buckets idle for longer than ttl.
func (l *ipLimiter) cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, c := range l.clients {
		if now.Sub(c.lastAccess) > l.ttl {
			delete(l.clients, k)
			n++
		}
	}
	return n
}

func (l *ipLimiter) run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.cleanup(now)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.get(clientIP(r)).Allow() {
			wait := time.Duration(math.Ceil(1/float64(a.limiter.limit))) * time.Second
			a.log.Warn("http_rate_limited", zap.String("ip", clientIP(r)), zap.String("path", r.URL.Path))
			a.writeError(w, r, apperr.RateLimited(a.msgs.Text("request.rate_limited", nil), wait))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type contextKey string

var webUserKey = contextKey("web_user")

func withWebUser(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, webUserKey, id)
}

func webUserFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(webUserKey).(string)
	return id, ok && id != ""
}

func bearer(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// sessionToken reads the web session from the Authorization header, or from
// ?session= for EventSource clients that cannot set headers.
func sessionToken(r *http.Request) string {
	if t := bearer(r); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("session"))
}

func (a *API) verifySession(raw string) (string, error) {
	if raw == "" {
		return "", apperr.Auth(a.msgs.Text("session.missing", nil), nil)
	}
	id, err := a.sessions.VerifyWebSession(raw)
	switch {
	case errors.Is(err, authtoken.ErrTokenExpired):
		return "", apperr.Auth(a.msgs.Text("session.expired", nil), err)
	case err != nil:
		return "", apperr.Auth(a.msgs.Text("session.invalid", nil), err)
	}
	return id, nil
}

// requireSession rejects requests without a valid web session.
func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.verifySession(sessionToken(r))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withWebUser(r.Context(), id)))
	})
}
