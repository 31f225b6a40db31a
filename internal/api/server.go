package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/dgworker/internal/delegate"
	"github.com/mattjoyce/dgworker/internal/events"
	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/metrics"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

// Executor runs handler invocations for the RPC surface. *delegate.Delegate
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, identifier string, request, appProperties []byte) *protocol.Response
	Ping() string
	Stats() delegate.Stats
}

// HandlerLister describes the registered handlers. *handler.Registry
// satisfies it.
type HandlerLister interface {
	Describe() []handler.Info
}

var (
	_ Executor      = (*delegate.Delegate)(nil)
	_ HandlerLister = (*handler.Registry)(nil)
)

// Config holds RPC server configuration
type Config struct {
	Listen string
	// Metrics, when set, is served at /metrics and counts RPC requests.
	Metrics *metrics.Collector
}

// Server publishes the RPC delegate over loopback HTTP.
type Server struct {
	config    Config
	executor  Executor
	handlers  HandlerLister
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	ready     chan net.Addr
}

// New creates a new RPC server instance. hub may be nil, in which case
// /events is not served.
func New(config Config, executor Executor, handlers HandlerLister, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		executor:  executor,
		handlers:  handlers,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
		ready:     make(chan net.Addr, 1),
	}
}

// Ready delivers the bound address once Start is accepting.
func (s *Server) Ready() <-chan net.Addr { return s.ready }

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.setupRoutes() }

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}

	s.server = &http.Server{
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("RPC server starting", "listen", ln.Addr().String())
	s.ready <- ln.Addr()

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("RPC server shutting down")
		if s.events != nil {
			s.events.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if s.config.Metrics != nil {
		r.Use(s.config.Metrics.Collect)
		r.Handle("/metrics", s.config.Metrics.Handler())
	}

	r.Get("/healthz", s.handleHealthz)

	r.Route("/rpc", func(r chi.Router) {
		r.Post("/execute", s.handleExecute)
		r.Get("/ping", s.handlePing)
		r.Get("/stats", s.handleStats)
		r.Get("/handlers", s.handleHandlers)
	})

	if s.events != nil {
		r.Get("/events", s.handleEvents)
	}

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"http_request_id", middleware.GetReqID(r.Context()),
		)
	})
}
