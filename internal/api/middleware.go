package api

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/mediagate/internal/log"
	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/CZERTAINLY/mediagate/internal/ratelimit"
)

type identityKeyT struct{}

var identityKey identityKeyT

// withMiddleware wraps the router, the last applied runs first
func (s *Server) withMiddleware(handler http.Handler) http.Handler {
	handler = s.bodyMiddleware(handler)
	handler = s.ingressMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.identityMiddleware(handler)
	return handler
}

// identityMiddleware resolves the client identity once per request
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ratelimit.Identity(r, s.cfg.TrustedProxies)
		ctx := context.WithValue(r.Context(), identityKey, id)
		ctx = log.ContextAttrs(ctx, slog.String("client", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identity(r *http.Request) string {
	if id, ok := r.Context().Value(identityKey).(string); ok {
		return id
	}
	return "unknown"
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		slog.DebugContext(r.Context(), "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration", time.Since(start).Round(time.Microsecond).String(),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				slog.ErrorContext(r.Context(), "panic recovered", "error", fmt.Sprint(err), "path", r.URL.Path)
				writeInternal(w, r, fmt.Errorf("panic: %v", err))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows the configured origin prefixes, browser extensions
// have an origin like chrome-extension://<id>
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && s.allowedOrigin(origin)
		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Expose-Headers", "Retry-After, Location, Content-Disposition")
			h.Set("Access-Control-Max-Age", "600")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) bool {
	for _, prefix := range s.cfg.CORSOrigins {
		if prefix != "" && strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// ingressMiddleware bounds the request rate of the whole process
func (s *Server) ingressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ingress.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, errorBody{
				Error:      "rate_limited",
				Message:    "server is busy, slow down",
				RetryAfter: 1,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxBody > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBody)
		}
		next.ServeHTTP(w, r)
	})
}

// limited admits a request against the per client ceilings of class
func (s *Server) limited(class ratelimit.Class, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next(w, r)
			return
		}
		d := s.deps.Limiter.Admit(identity(r), class)
		if d.Allowed {
			next(w, r)
			return
		}
		rerr := &model.RateLimitedError{RetryAfter: d.RetryAfter, Blocked: d.Reason == ratelimit.Blocked}
		seconds := ratelimit.RetryAfterSeconds(d.RetryAfter)
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		body := errorBody{
			Error:      string(d.Reason),
			Message:    "too many requests",
			RetryAfter: seconds,
		}
		if rerr.Blocked {
			body.Message = "client is temporarily blocked"
			slog.WarnContext(r.Context(), "client blocked", "class", string(class), "retry_after", seconds)
		} else {
			body.Window = d.Window.String()
			slog.DebugContext(r.Context(), "rate limited", "class", string(class), "error", rerr)
		}
		writeError(w, r, http.StatusTooManyRequests, body)
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack implements http.Hijacker for the websocket upgrade
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("responseWriter does not implement http.Hijacker")
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
