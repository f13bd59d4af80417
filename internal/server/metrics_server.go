package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/keyscan/internal/observability"
)

const metricsShutdownTimeout = 5 * time.Second

// MetricsServer exposes /metrics on its own listener.
type MetricsServer struct {
	bindAddress string
	httpServer  *http.Server
	log         *zap.Logger
}

// MetricsOption customizes a MetricsServer.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	profiler bool
}

// WithProfiler mounts net/http/pprof under /debug on the metrics listener.
func WithProfiler(enabled bool) MetricsOption {
	return func(o *metricsOptions) { o.profiler = enabled }
}

// NewMetricsServer serves observability.Registry on host:port.
func NewMetricsServer(host string, port int, log *zap.Logger, opts ...MetricsOption) *MetricsServer {
	if log == nil {
		log = zap.NewNop()
	}
	var o metricsOptions
	for _, opt := range opts {
		opt(&o)
	}

	router := chi.NewRouter()
	router.Handle("/metrics", observability.MetricsHandler())
	if o.profiler {
		router.Mount("/debug", chimw.Profiler())
		log.Info("pprof enabled on metrics listener", zap.String("path", "/debug/pprof/"))
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return &MetricsServer{
		bindAddress: addr,
		log:         log.Named("metrics_server"),
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the metrics router.
func (m *MetricsServer) Handler() http.Handler {
	return m.httpServer.Handler
}

// Run serves until ctx is cancelled.
func (m *MetricsServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.bindAddress)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		m.httpServer.SetKeepAlivesEnabled(false)
		_ = m.httpServer.Shutdown(ctxTimeout)
		m.log.Info("metrics server terminated")
	}()

	m.log.Info("serving metrics", zap.String("addr", m.bindAddress))
	if err := m.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
