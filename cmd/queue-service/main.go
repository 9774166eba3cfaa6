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

	"github.com/nikolasgian10/cidades-sub000/internal/catalog"
	"github.com/nikolasgian10/cidades-sub000/internal/config"
	"github.com/nikolasgian10/cidades-sub000/internal/display"
	"github.com/nikolasgian10/cidades-sub000/internal/events"
	"github.com/nikolasgian10/cidades-sub000/internal/httpapi"
	"github.com/nikolasgian10/cidades-sub000/internal/hub"
	"github.com/nikolasgian10/cidades-sub000/internal/logger"
	"github.com/nikolasgian10/cidades-sub000/internal/printer"
	"github.com/nikolasgian10/cidades-sub000/internal/relay"
	"github.com/nikolasgian10/cidades-sub000/internal/store"
	"github.com/nikolasgian10/cidades-sub000/internal/store/memory"
	"github.com/nikolasgian10/cidades-sub000/internal/store/postgres"
	"github.com/nikolasgian10/cidades-sub000/internal/store/sqlite"
	"github.com/nikolasgian10/cidades-sub000/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const serviceName = "queue-service"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile     string
		storeDriver string
		port        string
		migrateOnly bool
	)
	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flagSet.StringVar(&storeDriver, "store", "", "queue store: memory, postgres or sqlite (overrides STORE_DRIVER)")
	flagSet.StringVar(&port, "port", "", "HTTP port (overrides PORT)")
	flagSet.BoolVar(&migrateOnly, "migrate-only", false, "apply database migrations and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if storeDriver != "" {
		cfg.StoreDriver = storeDriver
	}
	if port != "" {
		cfg.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	shutdownTelemetry := telemetry.Setup(serviceName, log)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat := catalog.Default()
	if cfg.CategoriesFile != "" {
		cat, err = catalog.LoadFile(cfg.CategoriesFile)
		if err != nil {
			return err
		}
	}

	queue, leader, closeStore, err := openStore(ctx, cfg, store.Options{
		Session:       cfg.Session,
		Catalog:       cat,
		PriorityFirst: cfg.PriorityFirst,
	}, log)
	if err != nil {
		return err
	}
	defer closeStore()
	if migrateOnly {
		log.Info("migrations applied", zap.String("store", cfg.StoreDriver))
		return nil
	}
	if err := queue.RegisterCounters(ctx, cfg.Counters); err != nil {
		return fmt.Errorf("register counters: %w", err)
	}

	feed, closeFeed, err := openFeed(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeFeed()

	panels := hub.New(log)
	displaySink := relay.DisplaySink{Feed: feed}
	// Panel state and realtime push are local to every process; printing and
	// publishing run only on the session's relay leader.
	exclusive := []relay.Sink{
		relay.PrinterSink{
			Printer:  printer.New(cfg.PrintProvider, cfg.PrintURL, cfg.PrintToken, log),
			Location: cfg.Location(),
		},
	}
	if cfg.AMQPURL != "" {
		publisher := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue, log)
		defer func() { _ = publisher.Close() }()
		exclusive = append(exclusive, relay.PublisherSink{Publisher: publisher})
	}

	relayer := relay.New(queue, relay.Config{BatchSize: cfg.RelayBatchSize}, log,
		displaySink,
		relay.HubSink{Hub: panels},
	).WithLeader(leader, exclusive...)
	primed, err := relayer.Prime(ctx, displaySink)
	if err != nil {
		return fmt.Errorf("prime relay: %w", err)
	}
	log.Info("relay primed", zap.Int("events", primed), zap.Int64("offset", relayer.Offset()))
	go relayer.Start(ctx, cfg.RelayInterval)

	handler := httpapi.NewHandler(queue, httpapi.Options{
		Catalog:  cat,
		Feed:     feed,
		Realtime: hub.NewSockJSHandler(panels, "/realtime"),
		Location: cfg.Location(),
		Logger:   log,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute:      cfg.RateLimitPerMinute,
		Burst:          cfg.RateLimitBurst,
		IssuePerMinute: cfg.IssuePerMinute,
		IssueBurst:     cfg.IssueBurst,
		TrustForwarded: cfg.TrustProxy,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(log)(limiter.Middleware(handler.Routes())), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("listening",
			zap.String("addr", server.Addr),
			zap.String("store", cfg.StoreDriver),
			zap.String("session", cfg.Session),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

// openStore returns the queue store and, for stores shared between processes,
// the relay leader election. A nil leader means this process always leads.
func openStore(ctx context.Context, cfg config.Config, options store.Options, log *zap.Logger) (store.QueueStore, relay.Leader, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("db connect: %w", err)
		}
		applied, err := postgres.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		log.Info("postgres migrations", zap.Int("applied", applied))
		lease := postgres.NewRelayLease(pool, options.Session)
		closeStore := func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			lease.Release(releaseCtx)
			pool.Close()
		}
		return postgres.NewStore(pool, options), lease, closeStore, nil
	case config.StoreSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath, options)
		if err != nil {
			return nil, nil, nil, err
		}
		return st, nil, func() { _ = st.Close() }, nil
	default:
		return memory.NewStore(options), nil, func() {}, nil
	}
}

func openFeed(ctx context.Context, cfg config.Config, log *zap.Logger) (display.Feed, func(), error) {
	if cfg.RedisAddr == "" {
		return display.NewMemoryFeed(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("panel feed on redis", zap.String("addr", cfg.RedisAddr), zap.String("prefix", cfg.PanelPrefix))
	return display.NewRedisFeed(client, cfg.PanelPrefix), func() { _ = client.Close() }, nil
}
