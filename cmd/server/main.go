package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// sinkBuffer is the subscription buffer for outbound relays. They are
// slower than websocket clients, so they get more headroom before the
// broker drops them.
const sinkBuffer = 1024

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("ride-dispatch stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("ride-dispatch stopped")
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, pingStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := store.(interface{ Close() error }); ok {
		defer c.Close()
	}

	var (
		mirror matcher.LocationMirror
		rc     *redis.Client
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		mirror = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		logger.Info("redis geo mirror enabled", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	broker := dispatch.NewBroker(cfg.EventBuffer, logger)
	engine := matcher.New(matcher.Deps{
		Store:             store,
		Queue:             queue.New(),
		Registry:          registry.New(cfg.Match.MaxPickupDistance),
		Events:            broker,
		Mirror:            mirror,
		ETA:               estimator,
		Logger:            logger,
		Match:             cfg.Match,
		LocationRetention: cfg.LocationRetention,
		PruneInterval:     cfg.PruneInterval,
	})
	if err := engine.Restore(ctx); err != nil {
		return fmt.Errorf("restore dispatch state: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return quiet(engine.Run(gctx)) })

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewEventProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		defer producer.Close()
		g.Go(func() error { return runSink(gctx, broker, "kafka", producer.Run, logger) })

		consumer := ingest.NewLocationConsumer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic, cfg.KafkaGroup, engine, logger)
		defer consumer.Close()
		g.Go(func() error { return quiet(consumer.Run(gctx)) })
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers, "events_topic", cfg.KafkaEventsTopic, "locations_topic", cfg.KafkaLocationsTopic)
	}
	if cfg.StripeAPIKey != "" {
		listener := payments.NewListener(payments.NewStripeClient(cfg.StripeAPIKey), engine, cfg.StripeCurrency, logger)
		g.Go(func() error { return runSink(gctx, broker, "payments", listener.Run, logger) })
	}
	if cfg.PushEndpoint != "" {
		push := dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey, logger)
		g.Go(func() error { return runSink(gctx, broker, "push", push.Run, logger) })
	}

	ws := dispatch.NewWSRegistry(logger)
	api := httpapi.NewServer(httpapi.Options{
		Engine:      engine,
		Broker:      broker,
		WS:          ws,
		Logger:      logger,
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		Ready:       readiness(pingStore, rc),
		BaseContext: gctx,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g.Go(func() error {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		ws.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore picks Postgres when a DSN is configured and falls back to the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(context.Context) error, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, rides are kept in memory only")
		return storage.NewMemoryStore(), nil, nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		script, err := os.ReadFile(filepath.Join("migrations", "001_create_schema.sql"))
		if err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("read migration: %w", err)
		}
		if err := pg.Migrate(ctx, string(script)); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("apply migration: %w", err)
		}
		logger.Info("migration applied", "file", "001_create_schema.sql")
	}
	return pg, pg.Ping, nil
}

func readiness(pingStore func(context.Context) error, rc *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if pingStore != nil {
			if err := pingStore(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
		}
		if rc != nil {
			if err := rc.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}

// runSink feeds a relay from its own broker subscription. A relay that
// falls behind is dropped by the broker; it is resubscribed here so one
// slow downstream never stops the process.
func runSink(ctx context.Context, b *dispatch.Broker, name string, run func(context.Context, <-chan models.Event) error, logger *slog.Logger) error {
	for {
		sub := b.Subscribe(dispatch.All(), sinkBuffer)
		err := run(ctx, sub.Events())
		sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("event relay dropped, resubscribing", "sink", name, "error", err)
	}
}

// quiet treats cancellation as a clean exit.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
