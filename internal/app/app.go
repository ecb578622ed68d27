// Package app wires configuration, the task executor, the database
// connection pool, and the resource monitor into one runnable application
// with an HTTP management surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/devq-ai/agentical-sub002/internal/config"
	"github.com/devq-ai/agentical-sub002/internal/metrics"
	"github.com/devq-ai/agentical-sub002/pkg/dbpool"
	"github.com/devq-ai/agentical-sub002/pkg/executor"
	"github.com/devq-ai/agentical-sub002/pkg/hotreload"
	"github.com/devq-ai/agentical-sub002/pkg/monitoring"
	"github.com/devq-ai/agentical-sub002/pkg/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// App is the top-level application. The active configuration is held in an
// atomic pointer because the hot-reload callback swaps it from the watcher
// goroutine while HTTP handlers read it.
type App struct {
	config     atomic.Pointer[config.Config]
	configFile string
	logger     *logrus.Logger

	tracer   *tracing.Manager
	executor *executor.Executor
	pool     *dbpool.ConnectionPool
	monitor  *monitoring.ResourceMonitor
	reloader *hotreload.ConfigReloader

	httpServer *http.Server
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads configuration from configFile and builds all components without
// starting any of them.
func New(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		configFile: configFile,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	app.config.Store(cfg)

	if err := app.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

func (app *App) initializeComponents() error {
	cfg := app.config.Load()

	app.tracer = tracing.NewManager(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
	}, app.logger)

	app.executor = executor.New(cfg.ExecutorConfig(), app.logger)

	pool, err := dbpool.New(
		cfg.ConnectionConfig(),
		cfg.QueryCacheConfig(),
		dbpool.NewPgxFactory(),
		app.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	app.pool = pool

	monitor, err := monitoring.NewResourceMonitor(cfg.MonitoringConfig(), app.logger)
	if err != nil {
		return fmt.Errorf("failed to create resource monitor: %w", err)
	}
	app.monitor = monitor

	// Snapshots attribute load to the pool and executor, and threshold
	// checks see the pool's observed query latency.
	app.monitor.SetConnectionGauge(func() int {
		return app.pool.Stats().ActiveConnections
	})
	app.monitor.SetTaskGauge(func() int {
		return app.executor.Stats().Active
	})
	app.monitor.SetResponseTimeProvider(func() time.Duration {
		return app.pool.Stats().QueryLatencyEMA
	})

	if cfg.HotReload.Enabled && app.configFile != "" {
		debounce := config.ParseDurationSafe(cfg.HotReload.DebounceInterval, time.Second)
		reloader, err := hotreload.NewConfigReloader(app.configFile, cfg, debounce, app.logger)
		if err != nil {
			return fmt.Errorf("failed to create config reloader: %w", err)
		}
		reloader.OnChanged(app.onConfigChanged)
		app.reloader = reloader
	}

	app.initializeHTTPServer()

	return nil
}

// onConfigChanged applies the subset of configuration that can change at
// runtime. Structural settings (pool sizes, server address) need a restart.
func (app *App) onConfigChanged(old, new *config.Config) error {
	if old.App.LogLevel != new.App.LogLevel {
		level, err := logrus.ParseLevel(new.App.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", new.App.LogLevel, err)
		}
		app.logger.SetLevel(level)
		app.logger.WithField("log_level", new.App.LogLevel).Info("Log level updated")
	}

	if old.Database.MaxConnections != new.Database.MaxConnections ||
		old.Server.Port != new.Server.Port {
		app.logger.Warn("Pool size or server address changes require a restart")
	}

	app.config.Store(new)
	return nil
}

func (app *App) initializeHTTPServer() {
	router := mux.NewRouter()

	router.HandleFunc("/health", app.healthHandler).Methods("GET")
	router.HandleFunc("/health/detailed", app.detailedHealthHandler).Methods("GET")
	router.HandleFunc("/stats", app.statsHandler).Methods("GET")
	router.HandleFunc("/stats/pool", app.poolStatsHandler).Methods("GET")
	router.HandleFunc("/stats/executor", app.executorStatsHandler).Methods("GET")

	router.HandleFunc("/query", app.queryHandler).Methods("POST")

	router.HandleFunc("/monitoring/usage", app.usageHandler).Methods("GET")
	router.HandleFunc("/monitoring/trends", app.trendsHandler).Methods("GET")
	router.HandleFunc("/monitoring/alerts", app.alertsHandler).Methods("GET")
	router.HandleFunc("/monitoring/alerts", app.clearAlertsHandler).Methods("DELETE")

	router.HandleFunc("/config", app.configHandler).Methods("GET")
	router.HandleFunc("/config/reload/stats", app.reloadStatsHandler).Methods("GET")

	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	cfg := app.config.Load()
	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Start brings up all components and the HTTP server.
func (app *App) Start() error {
	cfg := app.config.Load()
	app.logger.WithFields(logrus.Fields{
		"name":        cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": cfg.App.Environment,
	}).Info("Starting application")

	app.startedAt = time.Now()

	if err := app.tracer.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	if err := app.monitor.Start(); err != nil {
		return fmt.Errorf("failed to start resource monitor: %w", err)
	}

	if app.reloader != nil {
		if err := app.reloader.Start(); err != nil {
			return fmt.Errorf("failed to start config reloader: %w", err)
		}
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.logger.WithField("addr", app.httpServer.Addr).Info("Starting HTTP server")
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.WithError(err).Error("HTTP server error")
		}
	}()

	app.logger.Info("Application started successfully")
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (app *App) Stop() error {
	app.logger.Info("Stopping application")

	app.cancel()

	if app.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		app.httpServer.Shutdown(ctx)
	}

	if app.reloader != nil {
		if err := app.reloader.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop config reloader")
		}
	}

	if err := app.monitor.Stop(); err != nil {
		app.logger.WithError(err).Error("Failed to stop resource monitor")
	}

	if err := app.executor.Close(); err != nil {
		app.logger.WithError(err).Error("Failed to close executor")
	}

	if err := app.pool.Close(); err != nil {
		app.logger.WithError(err).Error("Failed to close connection pool")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Failed to shut down tracing")
	}

	app.wg.Wait()

	app.logger.Info("Application stopped")
	return nil
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (app *App) Run() error {
	if err := app.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	app.logger.Info("Shutdown signal received")

	return app.Stop()
}
