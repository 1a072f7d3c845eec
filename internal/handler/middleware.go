package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/schrodinger12345/campus-event-glow/internal/logger"
	"github.com/schrodinger12345/campus-event-glow/internal/session"
	"golang.org/x/time/rate"
)

// Logger writes one access log line per request.
func Logger(log *slog.Logger) func(http.Handler) http.Handler {
	log = log.With(logger.Module("http.access"))
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("incoming request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("request_id", middleware.GetReqID(r.Context())),
					slog.Int("status", ww.Status()),
					slog.Int("size", ww.BytesWritten()),
					slog.Float64("duration", time.Since(start).Seconds()),
				)
			}()
			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

// CORS allows browser clients on any origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SessionParser verifies a bearer token issued by the identity provider.
type SessionParser interface {
	Parse(token string) (*session.Session, error)
}

// Authenticate rejects requests without a valid bearer session and stores the
// session in the request context.
func Authenticate(log *slog.Logger, sessions SessionParser) func(http.Handler) http.Handler {
	log = log.With(logger.Module("http.authenticate"))
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			token = strings.TrimSpace(token)
			if !found || token == "" {
				writeError(w, r, http.StatusUnauthorized, "authorization header not found")
				return
			}
			s, err := sessions.Parse(token)
			if err != nil {
				log.Debug("session rejected",
					slog.String("request_id", middleware.GetReqID(r.Context())),
					logger.Secret("token", token),
					logger.Err(err),
				)
				writeError(w, r, http.StatusUnauthorized, "session invalid or expired")
				return
			}
			next.ServeHTTP(w, r.WithContext(session.WithSession(r.Context(), s)))
		}
		return http.HandlerFunc(fn)
	}
}

// maxTrackedLimiters bounds the per-user limiter map; idle limiters are
// dropped once it is exceeded.
const maxTrackedLimiters = 10_000

type limiters struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	byKey map[string]*rate.Limiter
}

func (l *limiters) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.byKey[key]; ok {
		return lim
	}
	if len(l.byKey) >= maxTrackedLimiters {
		for k, lim := range l.byKey {
			if lim.Tokens() >= float64(l.burst) {
				delete(l.byKey, k)
			}
		}
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.byKey[key] = lim
	return lim
}

// RateLimit allows each session user rps requests per second with the given
// burst. Requests without a session are keyed by remote address. A
// non-positive rps disables limiting.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	l := &limiters{
		limit: limit,
		burst: burst,
		byKey: make(map[string]*rate.Limiter),
	}
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if s, ok := session.FromContext(r.Context()); ok {
				key = s.UserID
			}
			if !l.get(key).Allow() {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, r, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

// Timeout bounds the request context by d.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		}
		return http.HandlerFunc(fn)
	}
}
