package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/flowpilot/internal/config"
	"github.com/pitabwire/flowpilot/internal/definition"
	"github.com/pitabwire/flowpilot/internal/observability"
	"github.com/pitabwire/flowpilot/internal/transport"
	"github.com/pitabwire/flowpilot/internal/worker"
	"github.com/pitabwire/flowpilot/internal/workflow"
	"github.com/pitabwire/flowpilot/model"
)

func newServeCmd(code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				*code = 1
				return fmt.Errorf("configuration error: %w", err)
			}
			*code = serve(cfg)
			return nil
		},
	}
}

func serve(cfg *config.Config) int {
	// Step 1: Initialize telemetry (logger, tracer, metrics).
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "flowpilot", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Discover workflow templates and build the registry.
	discoverer := newDiscoverer(cfg, logger, metrics)
	catalog, report := discoverer.Discover(definition.RootsFromConfig(cfg.Discovery.Roots))
	for _, f := range report.Failures() {
		logger.Warn("workflow template skipped",
			zap.String("path", f.Path),
			zap.String("outcome", string(f.Outcome)),
			zap.String("reason", f.Message),
		)
	}
	registry := definition.NewRegistry(catalog)

	// Step 3: Build worker clients and the optional result cache.
	workerOpts := []worker.Option{worker.WithRecorder(metrics), worker.WithLogger(logger)}
	httpQueries := worker.NewHTTPQueryWorker(cfg.Worker.Query, workerOpts...)

	var queries model.QueryWorker = httpQueries
	cache, cacheCloser, err := buildResultCache(ctx, cfg.Cache, logger)
	if err != nil {
		logger.Error("result cache initialization failed", zap.Error(err))
		return 1
	}
	if cache != nil {
		queries = worker.NewCachedQueryWorker(httpQueries, cache, cfg.Cache.TTL, metrics, logger)
	}

	var synth model.SynthesisWorker
	if cfg.Worker.Synthesis.BaseURL != "" {
		synth = worker.NewHTTPSynthesisWorker(cfg.Worker.Synthesis, workerOpts...)
	} else {
		logger.Warn("synthesis worker not configured, reports will carry raw results only")
	}

	// Step 4: Build the execution engine.
	aggregator := workflow.NewAggregator(synth,
		workflow.WithSynthesisTimeout(cfg.Engine.SynthesisTimeout),
		workflow.WithAggregatorLogger(logger),
		workflow.WithSynthesisRecorder(metrics),
	)
	engine := workflow.NewEngine(registry, queries,
		workflow.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		workflow.WithLogger(logger),
		workflow.WithAggregator(aggregator),
		workflow.WithProgressSink(workflow.FanoutSink{
			workflow.NewLogSink(logger),
			workflow.NewMetricsSink(metrics),
		}),
	)

	// Step 5: Build HTTP router.
	readiness := observability.ReadinessChecks{
		CatalogSize: func() int { return registry.Current().Len() },
	}
	if cfg.Worker.Query.BaseURL != "" {
		readiness.QueryWorker = httpQueries
	}
	if hc, ok := cache.(observability.HealthChecker); ok {
		readiness.ResultCache = hc
	}

	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = observability.Handler()
	} else {
		metricsHandler = http.NotFoundHandler()
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Registry:       registry,
		Discoverer:     discoverer,
		Engine:         engine,
		Metrics:        metrics,
		Readiness:      readiness,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 6: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("workflows", catalog.Len()),
		zap.String("catalog_checksum", catalog.Checksum()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Runs started with ?async=true outlive their request.
	if n := engine.CancelAll(); n > 0 {
		logger.Info("cancelled in-flight runs", zap.Int("runs", n))
	}

	if cacheCloser != nil {
		cacheCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

func newDiscoverer(cfg *config.Config, logger *zap.Logger, rec definition.DiscoveryRecorder) *definition.Discoverer {
	validator := definition.NewValidator(definition.WithDefaultTimeout(cfg.Engine.DefaultTaskTimeout))
	opts := []definition.DiscovererOption{definition.WithLogger(logger)}
	if rec != nil {
		opts = append(opts, definition.WithRecorder(rec))
	}
	return definition.NewDiscoverer(definition.NewLoader(), validator, opts...)
}

// buildResultCache creates the query result cache based on config. A nil
// cache means caching is off.
func buildResultCache(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (worker.ResultCache, func(), error) {
	switch cfg.Driver {
	case "none", "":
		return nil, nil, nil
	case "memory":
		logger.Info("using in-memory query result cache", zap.Duration("ttl", cfg.TTL))
		return worker.NewMemoryResultCache(), nil, nil
	case "redis":
		addr := cfg.RedisAddr()
		if addr == "" {
			return nil, nil, fmt.Errorf("result cache: %s environment variable not set", cfg.Redis.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("result cache: ping %s: %w", addr, err)
		}
		logger.Info("using redis query result cache", zap.String("addr", addr), zap.Duration("ttl", cfg.TTL))
		return worker.NewRedisResultCache(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported result cache driver: %q", cfg.Driver)
	}
}
