/**
 * @description
 * This is the main entry point for the connector. It is responsible for
 * initializing all components: configuration, logging, ledger clients, the
 * precision cache and route builder, the settlement coordinator with its
 * payment journal, message brokers and the HTTP server. It wires everything
 * together and starts the service.
 *
 * @dependencies
 * - github.com/joho/godotenv: Loads a local .env file during development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver for the payment journal.
 * - github.com/redis/go-redis/v9: Backs the shared quote rate limiter.
 * - go.uber.org/zap: Structured logging.
 * - internal/api, internal/app, internal/config, internal/routing, internal/store.
 * - pkg/ledgerclient, pkg/notaryclient, pkg/rabbitmq.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MatthewPhinney/five-bells-connector/internal/api"
	"github.com/MatthewPhinney/five-bells-connector/internal/app"
	"github.com/MatthewPhinney/five-bells-connector/internal/config"
	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"github.com/MatthewPhinney/five-bells-connector/internal/routing"
	"github.com/MatthewPhinney/five-bells-connector/internal/store"
	"github.com/MatthewPhinney/five-bells-connector/pkg/ledgerclient"
	"github.com/MatthewPhinney/five-bells-connector/pkg/notaryclient"
	rmrabbit "github.com/MatthewPhinney/five-bells-connector/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"logger init failed\" err=%v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("service", "connector"))
	bootLog := logger.With(zap.String("component", "bootstrap"))

	bootLog.Info("starting connector",
		zap.String("port", cfg.ServerPort),
		zap.Int("ledgers", len(cfg.Ledgers)),
		zap.Int("routes", len(cfg.Routes)))

	// Ledger plugins, one per configured ledger account.
	ledgerClients := make([]*ledgerclient.Client, 0, len(cfg.Ledgers))
	plugins := make([]app.LedgerPlugin, 0, len(cfg.Ledgers))
	for _, lc := range cfg.Ledgers {
		client := ledgerclient.NewClient(lc.Ledger, lc.Account, lc.Username, lc.Password, cfg.LedgerRequestTimeout(), logger)
		ledgerClients = append(ledgerClients, client)
		plugins = append(plugins, client)
	}
	registry := app.NewLedgerRegistry(plugins...)
	precisions := app.NewPrecisionCache(registry, cfg.LedgerRequestTimeout(), logger)

	routes, err := routing.NewStaticTable(cfg.Routes)
	if err != nil {
		bootLog.Fatal("routing table init failed", zap.Error(err))
	}

	builder := app.NewRouteBuilder(routes, precisions, registry, app.RouteBuilderConfig{
		Slippage:         cfg.Slippage,
		MinMessageWindow: cfg.MinMessageWindow(),
		IDSecret:         []byte(cfg.IDSecret),
	}, logger)

	journal, closeJournal := openJournal(cfg, bootLog)
	defer closeJournal()

	var events rmrabbit.Publisher
	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		bootLog.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		events = &rmrabbit.EventProducerFallback{Logger: logger}
	} else {
		defer producer.Close()
		bootLog.Info("rabbitmq producer connected")
		events = producer
	}

	coordinator := app.NewCoordinator(
		builder,
		registry,
		notaryclient.NewClient(cfg.LedgerRequestTimeout()),
		journal,
		events,
		app.SettlementConfig{
			MinMessageWindow: cfg.MinMessageWindow(),
			MaxHoldTime:      cfg.MaxHoldTime(),
			LedgerTimeout:    cfg.LedgerRequestTimeout(),
		},
		logger,
	)

	scheduler := app.NewScheduler(precisions, registry.Ledgers(), cfg.PrecisionCacheRefreshSchedule, cfg.LedgerRequestTimeout(), logger)
	if err := scheduler.Start(); err != nil {
		bootLog.Fatal("precision refresh scheduler start failed", zap.Error(err))
	}
	defer scheduler.Stop()
	go scheduler.RefreshPrecisions()

	// Ledgers that cannot push over HTTP can relay notifications through RabbitMQ.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		notificationConsumer := app.NewNotificationConsumer(coordinator, logger)
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			bootLog.Warn("rabbitmq consumer unavailable; relayed notifications disabled", zap.Error(err))
		} else {
			defer rabbitConsumer.Close()
			if err := rabbitConsumer.ConsumeNotifications(cfg.LedgerEventQueue, 15*time.Second, notificationConsumer.Handle); err != nil {
				bootLog.Fatal("notification consumer start failed", zap.Error(err))
			}
		}
	}

	subCtx, cancelSubscriptions := context.WithCancel(context.Background())
	var subscriptions sync.WaitGroup
	if cfg.LedgerWSSubscribe {
		for _, client := range ledgerClients {
			subscriber := client.Subscriber()
			subscriptions.Add(1)
			go func() {
				defer subscriptions.Done()
				subscriber.Run(subCtx, func(ctx context.Context, ev domain.NotificationEvent) {
					if _, err := coordinator.HandleNotification(ctx, ev); err != nil {
						logger.Warn("subscribed notification failed",
							zap.String("component", "ledger_subscription"),
							zap.String("notification_id", ev.ID),
							zap.Error(err))
					}
				})
			}()
		}
	}

	handlers := api.NewConnectorHandlers(api.HandlerDeps{
		Notifications: coordinator,
		Quotes:        builder,
		Payments:      journal,
		Verifier:      newVerifier(cfg, bootLog),
		Limiter:       newRateLimiter(cfg, bootLog),
		Logger:        logger,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: api.ConnectorRoutes(handlers, cfg.CORSOrigins()),
	}

	go func() {
		logger.Info("server listening", zap.String("component", "http"), zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server stopped unexpectedly", zap.String("component", "http"), zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", zap.String("component", "http"))

	cancelSubscriptions()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", zap.String("component", "http"), zap.Error(err))
	}
	subscriptions.Wait()

	logger.Info("shutdown complete", zap.String("component", "http"))
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if strings.TrimSpace(level) != "" {
		lvl, err := zap.ParseAtomicLevel(strings.ToLower(level))
		if err != nil {
			return nil, err
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}

// openJournal connects the Postgres journal when DATABASE_URL is set and
// falls back to an in-memory journal otherwise.
func openJournal(cfg config.Config, bootLog *zap.Logger) (store.Repository, func()) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		bootLog.Warn("database url missing; payment journal kept in memory", zap.String("env", "DATABASE_URL"))
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLog.Fatal("database url parse failed", zap.Error(err))
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		bootLog.Fatal("database connection failed", zap.Error(err))
	}
	repository := store.NewPostgresRepository(dbpool)
	if err := repository.EnsureSchema(ctx); err != nil {
		dbpool.Close()
		bootLog.Fatal("payment journal schema setup failed", zap.Error(err))
	}
	bootLog.Info("database connected")
	return repository, dbpool.Close
}

func newVerifier(cfg config.Config, bootLog *zap.Logger) *api.SignatureVerifier {
	if !cfg.NotificationVerify {
		return nil
	}
	verifier, err := api.NewSignatureVerifier(cfg.NotificationKeys)
	if err != nil {
		bootLog.Fatal("notification keys invalid", zap.Error(err))
	}
	return verifier
}

// newRateLimiter returns nil when rate limiting is disabled or Redis is unreachable.
func newRateLimiter(cfg config.Config, bootLog *zap.Logger) api.QuoteLimiter {
	if cfg.QuoteRateLimitPerMinute <= 0 {
		return nil
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		bootLog.Warn("redis url missing; quote rate limiting disabled", zap.String("env", "REDIS_URL"))
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		bootLog.Warn("redis url parse failed; quote rate limiting disabled", zap.Error(err))
		return nil
	}
	redisClient := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		bootLog.Warn("redis ping failed; quote rate limiting disabled", zap.Error(err))
		redisClient.Close()
		return nil
	}
	bootLog.Info("redis connected")
	return app.NewRedisQuoteRateLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.QuoteRateLimitPerMinute, time.Minute)
}
