// Package api provides HTTP handlers and the main API server logic for TimerPipe.
//
// It exposes RESTful endpoints for creating, running and inspecting countdown
// timers. Every timer endpoint is scoped to the owner named in the
// X-Owner-ID header.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/TimerPipe/internal/lifecycle"
)

// Server defaults.
const (
	DefaultAddr              = ":8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultMaxBodyBytes      = 1 << 20
)

// OwnerHeader carries the caller identity. It is trusted as-is.
const OwnerHeader = "X-Owner-ID"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server serves the timer API.
type Server struct {
	engine     *lifecycle.Engine
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a server for engine.
func NewServer(engine *lifecycle.Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{engine: engine, startedAt: time.Now().UTC()}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	slog.Debug("Server.NewServer: API server configured", "addr", cfg.Addr)
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /timers", s.createTimerHandler)
	mux.HandleFunc("GET /timers", s.listTimersHandler)
	mux.HandleFunc("GET /timers/{id}", s.getTimerHandler)
	mux.HandleFunc("PUT /timers/{id}", s.updateTimerHandler)
	mux.HandleFunc("DELETE /timers/{id}", s.deleteTimerHandler)
	mux.HandleFunc("POST /timers/{id}/start", s.startTimerHandler)
	mux.HandleFunc("POST /timers/{id}/pause", s.pauseTimerHandler)
	mux.HandleFunc("POST /timers/{id}/stop", s.stopTimerHandler)
	mux.HandleFunc("GET /sounds/available", s.availableSoundsHandler)
	mux.HandleFunc("GET /system/status", s.systemStatusHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	return mux
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("Server.Serve: API server listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server.Serve: API server failed", "error", err)
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		slog.Error("Server.ListenAndServe: failed to listen", "addr", s.httpServer.Addr, "error", err)
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: stopping API server")
	return s.httpServer.Shutdown(ctx)
}
