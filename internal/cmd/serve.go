package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/keyscan/internal/config"
	"github.com/3leaps/keyscan/internal/observability"
	"github.com/3leaps/keyscan/internal/server"
	"github.com/3leaps/keyscan/internal/server/handlers"
	"github.com/3leaps/keyscan/pkg/balance"
	"github.com/3leaps/keyscan/pkg/job"
	"github.com/3leaps/keyscan/pkg/jobregistry"
	"github.com/3leaps/keyscan/pkg/results"
	"github.com/3leaps/keyscan/pkg/source"
)

var (
	serveHost       string
	servePort       int
	serveLocalInput bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP job service",
	Long: `Start the HTTP service. Key lists are uploaded to /api/uploads or
posted directly to /api/jobs; jobs run in the background and are polled at
/api/jobs/{id}.

Health endpoints are served at /health, /health/live, /health/ready and
/health/startup unless health.enabled is false. Prometheus metrics are
served on metrics.port when metrics.enabled is set; debug.pprof_enabled adds
/debug/pprof/ to that listener.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveLocalInput, "allow-local-input", false, "Accept server-side paths and s3:// URIs in job requests")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := appConfig(ctx)
	if err != nil {
		return exitError(ExitConfig, "Failed to load configuration", err)
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	log := observability.ServerLogger()

	var observer job.Observer
	var httpMetrics *observability.HTTPMiddleware
	if cfg.Metrics.Enabled {
		observability.InitMetrics()
		observer = observability.JobMetrics
		httpMetrics = observability.HTTPMetrics
	}

	jobLevel := zapcore.InfoLevel
	if observability.Level() <= zapcore.DebugLevel {
		jobLevel = zapcore.DebugLevel
	}

	maxBytes := cfg.Results.MaxSizeMB * 1024 * 1024
	engine := job.NewEngine(job.EngineOptions{
		Logger:      log.Named("engine"),
		JobLogLevel: jobLevel,
		Backends: balance.Options{
			Timeout:   cfg.Backends.Timeout,
			RateLimit: cfg.Backends.RateLimit,
			UserAgent: cfg.Backends.UserAgent,
		},
		Order: cfg.Backends.Order,
		Source: source.Options{S3: source.S3Options{
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			Profile:        cfg.S3.Profile,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		}},
		OpenSink: func(c job.Config) (job.FoundSink, error) {
			return results.OpenFileSink(c.OutputPath, results.SinkOptions{MaxBytes: maxBytes, Logger: log})
		},
		Observer: observer,
	})

	regOpts := jobregistry.Options{
		MaxConcurrent: cfg.Workers,
		LogLimit:      cfg.Jobs.LogLimit,
		Dedupe:        cfg.Jobs.Dedupe,
		Logger:        log.Named("registry"),
	}
	if cfg.Jobs.ReportsDir != "" {
		regOpts.Store = jobregistry.NewStore(cfg.Jobs.ReportsDir)
	}
	registry := jobregistry.New(engine, regOpts)

	uploads := handlers.NewUploadStore(cfg.Uploads.Dir, cfg.Uploads.MaxSizeMB*1024*1024)
	api := handlers.NewJobsAPI(handlers.JobsOptions{
		Registry:        registry,
		Uploads:         uploads,
		ResultsDir:      cfg.Results.Dir,
		DefaultAPI:      cfg.Check.API,
		DefaultDelay:    cfg.Check.Delay,
		AllowLocalInput: serveLocalInput,
		Logger:          log.Named("api"),
	})

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signals", signalHealthChecker{ctx: ctx})
	identity := GetAppIdentity()
	if identity == nil {
		identity = config.DefaultIdentity()
	}
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	})
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
	hm.RegisterChecker("registry", registryHealthChecker{registry: registry})
	hm.RegisterChecker("storage", dirHealthChecker{dirs: []string{cfg.Uploads.Dir, cfg.Results.Dir}})

	opts := []server.Option{
		server.WithJobsAPI(api),
		server.WithLogger(log),
		server.WithHealthRoutes(cfg.Health.Enabled),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
	}
	if httpMetrics != nil {
		opts = append(opts, server.WithHTTPMetrics(httpMetrics))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	log.Info("Starting keyscan service",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.Int("workers", cfg.Workers),
		zap.Bool("metrics", cfg.Metrics.Enabled))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if cfg.Metrics.Enabled {
		ms := server.NewMetricsServer(cfg.Server.Host, cfg.Metrics.Port, log,
			server.WithProfiler(cfg.Debug.PprofEnabled))
		g.Go(func() error { return ms.Run(gctx) })
	}

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := registry.Shutdown(shutdownCtx); serr != nil {
		log.Warn("Jobs did not stop before shutdown timeout", zap.Error(serr))
	}

	if err != nil {
		return exitError(ExitUnavailable, "Server error", err)
	}
	log.Info("keyscan service stopped")
	return nil
}

// signalHealthChecker fails once SIGINT or SIGTERM has been received, so
// readiness drops while in-flight jobs drain.
type signalHealthChecker struct {
	ctx context.Context
}

func (c signalHealthChecker) CheckHealth(context.Context) error {
	if c.ctx == nil {
		return errors.New("signal handling not initialized")
	}
	if c.ctx.Err() != nil {
		return errors.New("shutting down")
	}
	return nil
}

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if observability.Registry == nil || observability.JobMetrics == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("identity missing binary name")
	case c.envPrefix == "":
		return errors.New("identity missing env prefix")
	case c.configName == "":
		return errors.New("identity missing config name")
	}
	return nil
}

type registryHealthChecker struct {
	registry *jobregistry.Registry
}

func (c registryHealthChecker) CheckHealth(ctx context.Context) error {
	if c.registry == nil {
		return errors.New("job registry not initialized")
	}
	if c.registry.Stats().Closed {
		return errors.New("job registry shut down")
	}
	return ctx.Err()
}

// dirHealthChecker verifies that working directories can be created and
// written.
type dirHealthChecker struct {
	dirs []string
}

func (c dirHealthChecker) CheckHealth(context.Context) error {
	for _, dir := range c.dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return fmt.Errorf("write %s: %w", dir, err)
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(filepath.Clean(name))
	}
	return nil
}
