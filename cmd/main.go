/**
 * @description
 * This is the main entry point for the gift-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection (with embedded migrations), external API clients, the message
 * broker producer, repositories, the core application service, the scheduled
 * reconciliation sweeper, and the HTTP server. It wires everything together
 * and starts the service.
 *
 * @dependencies
 * - log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for the distributed rate guard.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/payprovider, pkg/mailclient, pkg/rabbitmq: External service clients.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/giftwave/gift-service/internal/api"
	"github.com/giftwave/gift-service/internal/app"
	"github.com/giftwave/gift-service/internal/config"
	"github.com/giftwave/gift-service/internal/store"
	"github.com/giftwave/gift-service/pkg/mailclient"
	"github.com/giftwave/gift-service/pkg/payprovider"
	"github.com/giftwave/gift-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("config load failed", "component", "bootstrap", "err", err)
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		logger.Error("internal api key must be configured", "component", "bootstrap", "env", "INTERNAL_API_KEY")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.ProviderWebhookKey) == "" {
		logger.Error("webhook signing key must be configured", "component", "bootstrap", "env", "PROVIDER_WEBHOOK_SIGNING_KEY")
		os.Exit(1)
	}

	logger.Info("starting gift-service", "component", "bootstrap", "port", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("database url parse failed", "component", "bootstrap", "err", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Error("database connection failed", "component", "bootstrap", "err", err)
		os.Exit(1)
	}
	defer dbpool.Close()

	// The repository runs embedded migrations on startup.
	repository, err := store.NewPostgresRepository(context.Background(), dbpool)
	if err != nil {
		logger.Error("repository init failed", "component", "bootstrap", "err", err)
		os.Exit(1)
	}
	logger.Info("database connected and migrated", "component", "bootstrap")

	// Initialize the RabbitMQ producer to publish gift lifecycle events.
	// This service only publishes; a missing broker degrades to a no-op.
	var producer rabbitmq.Publisher
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("rabbitmq url missing; events disabled", "component", "bootstrap")
		producer = &rabbitmq.EventProducerFallback{Logger: logger}
	} else {
		eventProducer, prodErr := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if prodErr != nil {
			logger.Warn("rabbitmq producer unavailable; using fallback", "component", "bootstrap", "err", prodErr)
			producer = &rabbitmq.EventProducerFallback{Logger: logger}
		} else {
			defer eventProducer.Close()
			producer = eventProducer
		}
	}

	// External clients.
	providerClient := payprovider.NewClient(cfg.ProviderAPIBaseURL, cfg.ProviderAPIKey, logger)
	mailer := mailclient.NewClient(cfg.MailAPIBaseURL, cfg.MailAPIKey, cfg.MailFromAddress)

	// The rate guard uses Redis when available so limits hold across
	// replicas; otherwise it degrades to a per-process store.
	var attemptStore app.AttemptStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			logger.Warn("redis url parse failed; using in-memory rate guard", "component", "bootstrap", "err", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				logger.Warn("redis ping failed; using in-memory rate guard", "component", "bootstrap", "err", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				attemptStore = app.NewRedisAttemptStore(redisClient, cfg.RedisRateLimitPrefix)
				logger.Info("redis connected", "component", "bootstrap")
			}
		}
	}
	if attemptStore == nil {
		attemptStore = app.NewMemoryAttemptStore()
	}

	rateGuard := app.NewRateGuard(
		attemptStore,
		cfg.CodeFailureThreshold,
		time.Duration(cfg.CodeFailureWindowMinutes)*time.Minute,
		time.Duration(cfg.CodeLockoutMinutes)*time.Minute,
	)
	limits := app.NewLimitLedger(repository, app.QuotaPolicy{
		MinGiftAmount:    cfg.MinGiftAmountMinor,
		MaxGiftAmount:    cfg.MaxGiftAmountMinor,
		MonthlyAmountCap: cfg.MonthlyAmountCapMinor,
		MonthlyCountCap:  cfg.MonthlyGiftCountCap,
	})
	codegen := app.NewCodeGenerator(0)

	giftService := app.NewService(
		repository,
		providerClient,
		mailer,
		producer,
		rateGuard,
		limits,
		codegen,
		app.ClaimRatePolicy{
			IPMaxAttempts:   cfg.ClaimRateLimitPerMinute,
			GiftMaxAttempts: cfg.GiftClaimAttemptsPerMin,
			Window:          time.Minute,
		},
		logger,
	)

	// Scheduled reconciliation sweep.
	lookback := time.Duration(cfg.ReconcileLookbackHours) * time.Hour
	sweeper, err := app.NewSweeper(
		giftService,
		cfg.ReconcileCronSchedule,
		lookback,
		time.Duration(cfg.ReconcileTimeoutMinutes)*time.Minute,
		logger,
	)
	if err != nil {
		logger.Error("sweeper init failed", "component", "bootstrap", "err", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	giftHandlers := api.NewGiftHandlers(
		giftService,
		rateGuard,
		cfg.DetailsRateLimitPerMinute,
		lookback,
		cfg.ProviderWebhookKey,
		logger,
	)
	router := api.GiftRoutes(giftHandlers, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		logger.Info("server listening", "component", "http", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "component", "http", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", "component", "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "component", "http", "err", err)
	}

	logger.Info("shutdown complete", "component", "http")
}
