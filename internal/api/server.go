// Package api is the HTTP surface of the broker: job submission, status,
// cancellation, output download and a websocket event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/CZERTAINLY/mediagate/internal/ratelimit"
	"github.com/CZERTAINLY/mediagate/internal/service"
	"github.com/CZERTAINLY/mediagate/internal/store"
)

const (
	defaultPoll   = 500 * time.Millisecond
	shutdownAfter = 10 * time.Second
)

// Jobs accepts and cancels jobs, *service.Scheduler implements it
type Jobs interface {
	Submit(ctx context.Context, req model.ValidatedRequest, client string) (string, error)
	Cancel(ctx context.Context, id string) error
	Stats() (pending, running int)
}

// Status is the read only job view, *store.Status implements it
type Status interface {
	Status(ctx context.Context, id string) (model.JobView, error)
	Output(ctx context.Context, id string) (store.Output, error)
}

type Validator interface {
	Validate(ctx context.Context, req model.JobRequest) (model.ValidatedRequest, error)
}

// Tools reports the download tools, *service.Executor implements it
type Tools interface {
	Tools() []service.ToolStatus
}

// Deps are the collaborators of a Server. Root is the storage root the
// outputs are served from.
type Deps struct {
	Jobs      Jobs
	Status    Status
	Validator Validator
	Limiter   *ratelimit.Limiter
	Tools     Tools
	Root      *os.Root
}

type Server struct {
	cfg      model.Server
	deps     Deps
	ingress  *rate.Limiter
	upgrader websocket.Upgrader
	poll     time.Duration
	handler  http.Handler
}

func New(cfg model.Server, deps Deps) *Server {
	limit := rate.Inf
	if cfg.MaxRPS > 0 {
		limit = rate.Limit(cfg.MaxRPS)
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		ingress: rate.NewLimiter(limit, max(cfg.Burst, 1)),
		poll:    defaultPoll,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.allowedOrigin(origin)
		},
	}
	s.handler = s.withMiddleware(s.routes())
	return s
}

// Handler returns the router with the whole middleware chain
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/jobs", s.limited(ratelimit.Download, s.handleSubmit))
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.limited(ratelimit.Status, s.handleStatus))
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", s.limited(ratelimit.Status, s.handleCancel))
	mux.HandleFunc("GET /api/v1/jobs/{id}/output", s.limited(ratelimit.Status, s.handleOutput))
	mux.HandleFunc("GET /api/v1/jobs/{id}/events", s.limited(ratelimit.Status, s.handleEvents))
	mux.HandleFunc("POST /api/v1/validate", s.limited(ratelimit.Status, s.handleValidate))
	mux.HandleFunc("GET /api/v1/ratelimit", s.handleRateLimit)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}

// Serve listens on the configured address until ctx is done, then shuts
// the server down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stopped := make(chan error, 1)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownAfter)
		defer cancel()
		stopped <- srv.Shutdown(sctx)
	}()

	slog.InfoContext(ctx, "HTTP server starting", "address", ln.Addr().String())
	err := srv.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	if err := <-stopped; err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	slog.InfoContext(ctx, "HTTP server stopped")
	return nil
}
