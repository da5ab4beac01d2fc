package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	// Zone rules ship with the binary so hosts without zoneinfo resolve IANA names.
	_ "time/tzdata"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.opentelemetry.io/otel"

	"github.com/livinlefevreloca/wakecall/internal/api"
	"github.com/livinlefevreloca/wakecall/internal/config"
	"github.com/livinlefevreloca/wakecall/internal/db"
	"github.com/livinlefevreloca/wakecall/internal/dispatcher"
	"github.com/livinlefevreloca/wakecall/internal/events"
	"github.com/livinlefevreloca/wakecall/internal/ledger"
	"github.com/livinlefevreloca/wakecall/internal/logging"
	"github.com/livinlefevreloca/wakecall/internal/provider"
	"github.com/livinlefevreloca/wakecall/internal/scheduler"
	"github.com/livinlefevreloca/wakecall/internal/settings"
	"github.com/livinlefevreloca/wakecall/tools/migrator"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file (TOML, or YAML by extension)")
	dryRun := flag.Bool("dry-run", false, "Log calls instead of placing them")
	flag.Parse()

	// Bootstrap logger until the configured one is built
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "config_file", *configFile, "error", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.Provider.Kind = provider.KindLog
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, level, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		slog.Error("failed to build logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, *configFile, logger, level); err != nil {
		logger.Error("wakecall exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configFile string, logger *slog.Logger, level *slog.LevelVar) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting wakecall",
		"db_driver", cfg.Database.Driver,
		"provider", cfg.Provider.Kind,
		"granularity", cfg.Scheduler.Granularity,
		"trigger", cfg.Scheduler.Trigger)

	// Open database connection with pool settings
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()

	// Run migrations
	if !cfg.Database.SkipMigrations {
		if err := database.Migrate(ctx); err != nil {
			return err
		}

		version, err := migrator.GetCurrentVersion(ctx, database.DB)
		if err != nil {
			return err
		}
		logger.Info("database schema ready", "version", version)
	} else {
		logger.Info("skipping migrations", "reason", "configured to skip")
	}

	placer, err := provider.New(cfg.Provider, logger)
	if err != nil {
		return err
	}

	// Metrics: install the SDK provider before any instrument is created
	if cfg.Metrics.Enabled {
		mp, err := events.NewMeterProvider(cfg.Metrics, cfg.Metrics.Writer())
		if err != nil {
			return err
		}
		otel.SetMeterProvider(mp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown error", "error", err)
			}
		}()
		logger.Info("metrics export enabled", "interval", cfg.Metrics.Interval, "output", cfg.Metrics.Output)
	}

	l := ledger.New(database, logger,
		ledger.WithRetryBatchSize(cfg.Scheduler.RetryBatchSize),
		ledger.WithBackoff(cfg.Scheduler.Backoff()))
	sink := events.Multi(events.NewLogSink(logger), events.NewMetricsSink())

	d, err := dispatcher.New(cfg.Dispatcher, cfg.Scheduler.MaxAttempts, l, placer, sink, logger)
	if err != nil {
		return err
	}

	loop, err := scheduler.NewLoop(cfg.Scheduler, database, l, d, logger)
	if err != nil {
		return err
	}

	runner, err := scheduler.NewRunner(cfg.Scheduler, loop, logger)
	if err != nil {
		return err
	}

	// HTTP API
	var srv *http.Server
	if cfg.HTTP.Enabled {
		srv = api.NewServer(cfg.HTTP, api.New(settings.NewService(database, logger), l, database, logger))
		go func() {
			logger.Info("http api listening", "address", cfg.HTTP.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
				stop()
			}
		}()
	}

	// Only the log level is applied live; other sections need a restart.
	if configFile != "" {
		go func() {
			err := config.Watch(ctx, configFile, logger, func(next *config.Config) {
				lvl, _ := logging.ParseLevel(next.Logging.Level)
				if lvl != level.Level() {
					level.Set(lvl)
					logger.Info("log level changed", "level", lvl)
				}
			})
			if err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("systemd notify failed", "error", err)
	}
	logger.Info("wakecall is running")

	// Blocks until a signal arrives; the running tick finishes first.
	runErr := runner.Run(ctx)

	logger.Info("shutting down gracefully")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", "error", err)
		}
		cancel()
	}

	return runErr
}
