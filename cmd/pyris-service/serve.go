package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"pyris/internal/api"
	"pyris/internal/auth"
	"pyris/internal/config"
	"pyris/internal/connector"
	"pyris/internal/events"
	"pyris/internal/health"
	"pyris/internal/observability"
	"pyris/internal/pipeline"
	"pyris/internal/registry"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API and metrics servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// jobRegistry is a registry the service owns and closes on shutdown.
type jobRegistry interface {
	registry.Registry
	Close() error
}

func openRegistry(ctx context.Context, cfg *config.Config, observer registry.Observer) (jobRegistry, error) {
	if cfg.Registry.Backend != "redis" {
		slog.Info("Using in-memory job registry", "instance", cfg.InstanceID)
		return registry.NewMemory(registry.MemoryConfig{
			DefaultTTL:   cfg.Registry.DefaultTTL,
			ReapInterval: cfg.Registry.ReapInterval,
			InstanceID:   cfg.InstanceID,
			Observer:     observer,
		}), nil
	}

	r := cfg.Registry.Redis
	reg, err := registry.ConnectRedis(ctx, registry.RedisConfig{
		Mode:           r.Mode,
		Addresses:      r.Addresses,
		DB:             r.DB,
		Username:       r.Username,
		Password:       r.Password,
		SentinelMaster: r.SentinelMaster,
		PoolSize:       r.PoolSize,
		DialTimeout:    r.DialTimeout,
		KeyPrefix:      r.KeyPrefix,
		DefaultTTL:     cfg.Registry.DefaultTTL,
		InstanceID:     cfg.InstanceID,
		ConnAttempts:   r.ConnAttempts,
		Observer:       observer,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Connected to redis job registry", "mode", r.Mode, "addresses", r.Addresses, "instance", cfg.InstanceID)
	return reg, nil
}

func enabledKinds(names []string) []events.Kind {
	kinds := make([]events.Kind, 0, len(names))
	for _, n := range names {
		kinds = append(kinds, events.Kind(n))
	}
	return kinds
}

func serve(ctx context.Context, cfg *config.Config) error {
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	reg, err := openRegistry(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			slog.Warn("Registry close error", "error", err)
		}
	}()

	client, err := connector.New(connector.Config{
		BaseURL:          cfg.Pyris.URL,
		Secret:           cfg.Pyris.Secret,
		Timeout:          cfg.Pyris.Timeout,
		BreakerThreshold: cfg.Pyris.BreakerThreshold,
		BreakerCooldown:  cfg.Pyris.BreakerCooldown,
	}, metrics)
	if err != nil {
		return err
	}

	executor := pipeline.NewExecutor(reg, client, pipeline.ExecutorConfig{
		CallbackBaseURL: cfg.Server.CallbackBaseURL,
	}, metrics)
	statusDispatcher := pipeline.NewStatusDispatcher(reg, pipeline.DefaultHandlers(pipeline.NewProgressRecorder()), metrics)

	trigger := events.NewPipelineTrigger(executor, events.DefaultRoutes(), events.TriggerConfig{
		Variant:      cfg.Pyris.Variant,
		IngestionTTL: cfg.Registry.IngestionTTL,
	})
	eventRouter := events.NewRouter(events.RouterConfig{
		QueueSize:      cfg.Events.QueueSize,
		Workers:        cfg.Events.Workers,
		HandlerTimeout: cfg.Events.HandlerTimeout,
	}, events.NewStaticFlags(enabledKinds(cfg.Events.Enabled), cfg.Events.DisabledCourses), trigger.Handlers(), metrics)

	healthChecker := health.NewChecker(
		health.Check{Name: "registry", Probe: reg, Critical: true},
		health.Check{Name: "pipeline-service", Probe: health.CheckFunc(client.Health)},
	)

	router := api.NewRouter(api.RouterConfig{
		Authenticator:   auth.New(reg),
		Dispatcher:      statusDispatcher,
		Variants:        client,
		Events:          eventRouter,
		HealthChecker:   healthChecker,
		Metrics:         metrics,
		APIKey:          cfg.Server.APIKey,
		EventSigningKey: cfg.Server.EventSigningKey,
		CORSOrigins:     cfg.Server.CORSOrigins,
	})

	if cfg.Server.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no server.api_key configured")
	}
	if cfg.Pyris.Secret == "" {
		slog.Warn("No pyris.secret configured - the pipeline service will reject requests")
	}
	if cfg.Server.EventSigningKey == "" {
		slog.Warn("Event signatures disabled - no server.event_signing_key configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Server.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", cfg.Server.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdownServers := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdownServers(5 * time.Second)
		closeRouter(eventRouter, 5*time.Second)
		return err
	case <-ctx.Done():
		slog.Info("Context cancelled")
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if cfg.Server.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.Server.ShutdownDrainWait)
		time.Sleep(cfg.Server.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting connections, finish in-flight callbacks
	slog.Info("Starting graceful shutdown")
	shutdownServers(cfg.Server.ShutdownTimeout)

	// Phase 3: Drain queued events. Runs they start call back to any
	// instance sharing the registry.
	closeRouter(eventRouter, cfg.Server.ShutdownTimeout)

	breakers := client.CircuitStats()
	slog.Info("Pipeline service circuits", "total", breakers.Total, "open", breakers.Open)
	slog.Info("Shutdown complete")
	return nil
}

func closeRouter(r *events.Router, timeout time.Duration) {
	slog.Info("Draining event router")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		slog.Warn("Event router shutdown error", "error", err)
	}

	stats := r.Stats()
	slog.Info("Event router stats",
		"handled", stats.Handled,
		"failed", stats.Failed,
		"rejected", stats.Rejected,
		"disabled", stats.Disabled,
		"unsupported", stats.Unsupported,
	)
}
