// Package server wires the HTTP API: health endpoints, version, the jobs API
// and a separate Prometheus listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/keyscan/internal/errors"
	"github.com/3leaps/keyscan/internal/observability"
	"github.com/3leaps/keyscan/internal/server/handlers"
	"github.com/3leaps/keyscan/internal/server/middleware"
)

// Timeouts configures the underlying http.Server.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// Option customizes a Server.
type Option func(*Server)

// WithJobsAPI mounts the jobs API under /api.
func WithJobsAPI(api *handlers.JobsAPI) Option {
	return func(s *Server) { s.jobs = api }
}

// WithLogger sets the request and lifecycle logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithHTTPMetrics instruments every route.
func WithHTTPMetrics(m *observability.HTTPMiddleware) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealthRoutes toggles the /health endpoints. They are mounted by
// default.
func WithHealthRoutes(enabled bool) Option {
	return func(s *Server) { s.health = enabled }
}

// WithTimeouts overrides the default server timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

// Server is the keyscan HTTP server.
type Server struct {
	host     string
	port     int
	log      *zap.Logger
	jobs     *handlers.JobsAPI
	metrics  *observability.HTTPMiddleware
	health   bool
	timeouts Timeouts

	router     chi.Router
	httpServer *http.Server
}

// New builds a server listening on host:port. Port 0 picks a free port at
// Start.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:   host,
		port:   port,
		log:    observability.ServerLogger(),
		health: true,
		timeouts: Timeouts{
			Read:     30 * time.Second,
			Write:    30 * time.Second,
			Idle:     120 * time.Second,
			Shutdown: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.log))
	if s.metrics != nil {
		r.Use(s.metrics.Handler)
	}
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		env := apperrors.NewEnvelope(apperrors.CodeNotFound, "resource not found").
			WithRequestID(apperrors.RequestID(req)).
			WithDetails(map[string]any{"path": req.URL.Path})
		apperrors.WriteJSON(w, env, http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		env := apperrors.NewEnvelope(apperrors.CodeMethodNotAllowed, "method not allowed").
			WithRequestID(apperrors.RequestID(req)).
			WithDetails(map[string]any{"method": req.Method, "path": req.URL.Path})
		apperrors.WriteJSON(w, env, http.StatusMethodNotAllowed)
	})

	if s.health {
		r.Get("/health", handlers.HealthHandler)
		r.Get("/health/live", handlers.LivenessHandler)
		r.Get("/health/ready", handlers.ReadinessHandler)
		r.Get("/health/startup", handlers.StartupHandler)
	}
	r.Get("/version", handlers.VersionHandler)

	if s.jobs != nil {
		r.Route("/api", s.jobs.Routes)
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	return s.Shutdown()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeouts.Shutdown)
	defer cancel()

	s.httpServer.SetKeepAlivesEnabled(false)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}
