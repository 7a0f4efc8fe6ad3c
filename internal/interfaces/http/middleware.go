package http

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/ratelimit"
)

type contextKey string

const requestIDKey contextKey = "requestId"

// requestIDFrom returns the correlation id attached by the middleware.
func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(started)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Str("request_id", requestIDFrom(r.Context())).
			Msg("request handled")

		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, r.URL.Path, statusClass(rec.status), elapsed)
		}
	})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Client-ID, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID resolves the caller identity: API key, bearer token, client-id
// header, then remote IP.
func clientID(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return "token:" + strings.TrimPrefix(auth, "Bearer ")
	}
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return "client:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// rateLimitMiddleware admits or blocks the request before any handler work.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		client := clientID(r)
		decision := s.limiter.Allow(client)
		if decision.Allowed {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			s.limiter.Observe(client, rec.status < 400)
			return
		}

		s.writeRateLimited(w, r, client, decision)
	})
}

func (s *Server) writeRateLimited(w http.ResponseWriter, r *http.Request, client string, decision ratelimit.Decision) {
	maxRequests, windowMs := s.limiter.Limit()
	retryAfter := int64(math.Ceil(float64(decision.MsBeforeNext) / 1000))
	w.Header().Set("Retry-After", formatInt(retryAfter))

	body := errorBody(requestIDFrom(r.Context()), "Too Many Requests", "rate limit exceeded")
	body.RateLimitInfo = &RateLimitInfo{
		Limit:             maxRequests,
		WindowMs:          windowMs,
		TotalHits:         decision.TotalHits,
		TotalHitsInWindow: s.limiter.HitsInWindow(client),
		RetryAfterSeconds: retryAfter,
		ResetTime:         time.Now().Add(time.Duration(decision.MsBeforeNext) * time.Millisecond).UTC().Format(time.RFC3339),
	}
	body.ClientInfo = &ClientInfo{ClientID: client, Method: r.Method, URL: r.URL.String()}
	writeJSON(w, http.StatusTooManyRequests, body)
}

func formatInt(n int64) string {
	if n < 0 {
		n = 0
	}
	return strconv.FormatInt(n, 10)
}
