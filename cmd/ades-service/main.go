// ades-service is the WPS-T HTTP server that deploys processes and runs
// their jobs on the configured platform.
package main

import (
	"ades/internal/api"
	"ades/internal/backend"
	"ades/internal/config"
	"ades/internal/health"
	"ades/internal/job"
	"ades/internal/notify"
	"ades/internal/observability"
	"ades/internal/process"
	"ades/internal/results"
	"ades/internal/store"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	v          = viper.New()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "ades-service",
	Short: "Run the ADES WPS-T server",
	Long: `Run the ADES WPS-T server.

Settings come from defaults, an optional config file, ADES_* environment
variables and the flags below, later sources winning.

Examples:
  ades-service --platform PBS -p 5000
  ades-service --config /etc/ades/ades.yaml -d`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")
	flags.StringP("host", "H", "127.0.0.1", "Listen host")
	flags.IntP("port", "p", 5000, "Listen port")
	flags.StringP("name", "n", "", "Instance id (default derived from hostname and start time)")
	flags.BoolP("debug", "d", false, "Enable debug logging")
	flags.String("platform", "Generic", "Execution platform: Generic, K8s, PBS or Docker")

	for key, flag := range map[string]string{
		"server.host": "host",
		"server.port": "port",
		"id":          "name",
		"debug":       "debug",
		"platform":    "platform",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	})).With("ades_id", cfg.ID))

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the process registry and job ledger
	db, err := store.Open(ctx, store.Config{
		Path:         cfg.Store.Path,
		URL:          cfg.Store.URL,
		AuthToken:    cfg.Store.AuthToken,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	fetcher := process.NewHTTPFetcher(cfg.Jobs.FetchTimeout, cfg.Jobs.AllowFileSources)
	registry := process.NewRegistry(db.Processes(), fetcher)

	platform, err := backend.New(ctx, cfg, backend.Deps{Fetcher: fetcher})
	if err != nil {
		return err
	}
	if closer, ok := platform.(io.Closer); ok {
		defer closer.Close()
	}
	slog.Info("Backend ready", "platform", cfg.Platform)

	opts := []job.Option{
		job.WithMetrics(metrics),
		job.WithQueryLimit(cfg.Jobs.QueryRate, cfg.Jobs.QueryBurst),
	}

	if cfg.Results.Expand {
		expander, err := results.NewS3Expander(ctx, results.Config{
			Region:          cfg.Results.Region,
			Endpoint:        cfg.Results.Endpoint,
			PathStyle:       cfg.Results.PathStyle,
			AccessKeyID:     cfg.Results.AccessKeyID,
			SecretAccessKey: cfg.Results.SecretAccessKey,
			Glob:            cfg.Results.Glob,
		})
		if err != nil {
			return err
		}
		opts = append(opts, job.WithLinkExpander(expander))
		slog.Info("S3 result expansion enabled", "glob", cfg.Results.Glob)
	}

	var notifier *notify.Webhook
	if cfg.Notify.URL != "" {
		notifier = notify.NewWebhook(notify.Config{
			URL:           cfg.Notify.URL,
			SigningKey:    cfg.Notify.SigningKey,
			Source:        "/ades/" + cfg.ID,
			Workers:       cfg.Notify.Workers,
			QueueSize:     cfg.Notify.QueueSize,
			MaxRetries:    cfg.Notify.MaxRetries,
			Timeout:       cfg.Notify.Timeout,
			RatePerSecond: cfg.Notify.RatePerSecond,
			Burst:         cfg.Notify.Burst,

			BreakerThreshold: cfg.Notify.BreakerThreshold,
			BreakerCooldown:  cfg.Notify.BreakerCooldown,
		}, metrics)
		opts = append(opts, job.WithNotifier(notifier))
		slog.Info("Status notifications enabled", "url", cfg.Notify.URL)
	}

	jobService := job.NewService(registry, db.Jobs(), platform, opts...)

	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"store":   health.ReadyFunc(db.Ping),
		"backend": platform,
	})

	router := api.NewRouter(api.RouterConfig{
		Service:       jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		ADESID:        cfg.ID,
		APIKey:        cfg.Server.APIKey,
		CORSOrigins:   cfg.Server.CORSOrigins,
	})

	if cfg.Server.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no api key configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metricsHandler)
		metricsServer = &http.Server{
			Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Metrics.Port),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if metricsServer != nil {
		go func() {
			slog.Info("Starting metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if metricsServer == nil {
			return
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if cfg.Server.DrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.Server.DrainWait)
		time.Sleep(cfg.Server.DrainWait)
	}

	// Phase 2: Stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Drain pending status notifications
	if notifier != nil {
		slog.Info("Draining status notifications")
		notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := notifier.Close(notifyCtx); err != nil {
			slog.Warn("Notifier shutdown error", "error", err)
		}
		stats := notifier.Stats()
		slog.Info("Notifier stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	// Jobs keep running on the platform; their status is read back on the next query.
	slog.Info("Shutdown complete")
	return nil
}
