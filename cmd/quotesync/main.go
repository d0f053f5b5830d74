// Command quotesync keeps a local quote collection in sync with a remote
// posts collection and serves a local control API over it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jsamuelsen/quotesync/internal/adapters/clients"
	"github.com/jsamuelsen/quotesync/internal/adapters/clients/acl"
	"github.com/jsamuelsen/quotesync/internal/adapters/events"
	"github.com/jsamuelsen/quotesync/internal/adapters/http"
	"github.com/jsamuelsen/quotesync/internal/adapters/http/handlers"
	"github.com/jsamuelsen/quotesync/internal/adapters/kvstore"
	"github.com/jsamuelsen/quotesync/internal/app"
	"github.com/jsamuelsen/quotesync/internal/platform/config"
	"github.com/jsamuelsen/quotesync/internal/platform/logging"
	"github.com/jsamuelsen/quotesync/internal/platform/telemetry"
	"github.com/jsamuelsen/quotesync/internal/ports"
)

// Set with -ldflags "-X main.Version=... -X main.Commit=... -X main.BuildTime=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const eventBufferSize = 64

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "quotesync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	logging.SetDefault(logger)

	logger.Info("starting quotesync",
		slog.String("version", Version),
		slog.String("commit", Commit),
		slog.String("environment", cfg.App.Environment),
		slog.String("storage", cfg.Storage.Backend),
		slog.String("remote", cfg.Remote.BaseURL),
	)

	// Teardown must outlive the signal that triggered it.
	cleanupCtx := context.WithoutCancel(ctx)

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	defer closeLogged(logger, "telemetry", func() error { return tel.Shutdown(cleanupCtx) })

	kv, err := kvstore.New(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("opening %s storage: %w", cfg.Storage.Backend, err)
	}

	defer closeLogged(logger, "storage", kv.Close)

	remote, err := newRemote(cfg, logger)
	if err != nil {
		return err
	}

	bus := events.NewBus(logger, eventBufferSize)
	if err := subscribeEventLog(ctx, bus, logger); err != nil {
		return err
	}

	sync, err := newCore(ctx, cfg, kv, remote, bus, logger)
	if err != nil {
		return err
	}

	health := ports.NewHealthRegistry()
	for _, checker := range []ports.HealthChecker{kv, remote} {
		if err := health.Register(checker); err != nil {
			return fmt.Errorf("registering %s health check: %w", checker.Name(), err)
		}
	}

	var (
		server    *http.Server
		serverErr <-chan error
	)

	if cfg.Server.Enabled {
		server = http.New(&cfg.Server, logger)
		http.SetupRouter(server.Engine(), http.NewDefaultRouterConfig(
			logger,
			&cfg.App,
			handlers.NewHealthHandler(health, handlers.NewBuildInfo(Version, Commit, BuildTime), prometheus.DefaultGatherer),
			handlers.NewQuoteHandler(sync.service),
		))

		if serverErr, err = server.Start(); err != nil {
			return err
		}
	}

	var runErr error

	select {
	case err, ok := <-serverErr:
		if ok {
			runErr = err
		}
	case <-ctx.Done():
		logger.Info("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(cleanupCtx, cfg.Server.ShutdownTimeout)
	defer cancel()

	return errors.Join(runErr, shutdown(shutdownCtx, logger, server, sync.scheduler, bus))
}

func loadConfig() (*config.Config, error) {
	profile := os.Getenv("APP_ENVIRONMENT")
	if profile == "" {
		profile = "local"
	}

	cfg, err := config.Load(profile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	file := cfg.Log.File

	return logging.New(&logging.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: cfg.App.Name,
		Version: cfg.App.Version,
		File: logging.FileConfig{
			Enabled:    file.Enabled,
			Path:       file.Path,
			MaxSizeMB:  file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAgeDays: file.MaxAgeDays,
			Compress:   file.Compress,
		},
	})
}

func newRemote(cfg *config.Config, logger *slog.Logger) (*acl.PostsClient, error) {
	client, err := clients.New(&clients.Config{
		BaseURL:     cfg.Remote.BaseURL,
		ServiceName: cfg.Remote.Name,
		UserAgent:   "quotesync/" + Version,
		Timeout:     cfg.Client.Timeout,
		Retry:       cfg.Client.Retry,
		Circuit:     cfg.Client.CircuitBreaker,
		Transport:   cfg.Client.Transport,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", cfg.Remote.Name, err)
	}

	return acl.NewPostsClient(acl.PostsClientConfig{Client: client, Logger: logger}), nil
}

type core struct {
	scheduler *app.Scheduler
	service   *app.QuoteService
}

// newCore loads the record store and wires the engine, resolver, scheduler
// and service around it. Auto sync starts here when enabled.
func newCore(
	ctx context.Context,
	cfg *config.Config,
	kv ports.KeyValueStore,
	remote ports.RemoteCollection,
	bus ports.EventPublisher,
	logger *slog.Logger,
) (*core, error) {
	metrics := app.NewMetrics(prometheus.DefaultRegisterer)

	store := app.NewRecordStore(app.RecordStoreConfig{
		KV:          kv,
		RecordsKey:  cfg.Storage.RecordsKey,
		LastSyncKey: cfg.Storage.LastSyncKey,
		Logger:      logger,
	})

	if err := store.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading records: %w", err)
	}

	resolver := app.NewConflictResolver(store, logger, metrics)

	scheduler := app.NewScheduler(app.SchedulerConfig{
		Runner: app.NewSyncEngine(app.SyncEngineConfig{
			Store:           store,
			Resolver:        resolver,
			Remote:          remote,
			Publisher:       bus,
			Metrics:         metrics,
			Logger:          logger,
			PullLimit:       cfg.Sync.PullLimit,
			PushConcurrency: cfg.Sync.PushConcurrency,
			MaxPushAttempts: cfg.Sync.MaxPushAttempts,
			CallTimeout:     cfg.Sync.CallTimeout,
		}),
		CycleTimeout: cfg.Sync.CycleTimeout,
		Metrics:      metrics,
		Logger:       logger,
	})

	if cfg.Sync.AutoEnabled {
		if err := scheduler.Start(cfg.Sync.Interval); err != nil {
			return nil, fmt.Errorf("starting auto sync: %w", err)
		}
	}

	return &core{
		scheduler: scheduler,
		service: app.NewQuoteService(app.QuoteServiceConfig{
			Store:     store,
			Resolver:  resolver,
			Scheduler: scheduler,
			Logger:    logger,
		}),
	}, nil
}

// subscribeEventLog logs every sync event published on the bus until ctx ends.
func subscribeEventLog(ctx context.Context, bus *events.Bus, logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "events.Log"))

	for _, eventType := range []string{app.EventCycleCompleted, app.EventConflictsDetected} {
		err := bus.Consume(ctx, eventType, func(ctx context.Context, env events.Envelope) error {
			logger.InfoContext(ctx, "sync event",
				slog.String("event_type", env.Type),
				slog.String("event_id", env.ID),
				slog.String("payload", string(env.Payload)),
			)

			return nil
		})
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", eventType, err)
		}
	}

	return nil
}

// shutdown stops the control API first so no new cycle can be triggered,
// then waits for an in-flight cycle and closes the bus.
func shutdown(ctx context.Context, logger *slog.Logger, server *http.Server, scheduler *app.Scheduler, bus *events.Bus) error {
	deadline, _ := ctx.Deadline()
	logger.Info("shutting down", slog.Duration("timeout", time.Until(deadline).Round(time.Millisecond)))

	var errs []error

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}

	if err := bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event bus: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	logger.Info("shutdown complete")

	return nil
}

func closeLogged(logger *slog.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Error("close failed", slog.String("component", what), slog.Any("error", err))
	}
}
