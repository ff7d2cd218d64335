/**
 * @description
 * This is the main entry point for the payout-service. It loads configuration, connects to
 * PostgreSQL, Redis and RabbitMQ, wires the rate, compliance and payout engines, starts the
 * cron scheduler and the session-event consumer, and serves the HTTP API.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - github.com/redis/go-redis/v9: shared attempt counters.
 * - pkg/rabbitmq: event producer and consumer.
 * - pkg/gatewayclient: payment gateway transfers.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carelink/payout-service/internal/api"
	"github.com/carelink/payout-service/internal/app"
	"github.com/carelink/payout-service/internal/config"
	"github.com/carelink/payout-service/internal/store"
	"github.com/carelink/payout-service/pkg/gatewayclient"
	"github.com/carelink/payout-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

const sessionEventsExchange = "session_events"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, reading configuration from environment")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		logger.Warn("INTERNAL_API_KEY is not set; internal routes are unauthenticated")
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	if cfg.RunMigrations {
		if err := store.RunMigrations(ctx, dbpool); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("database migrations applied")
	}

	repository := store.NewRepository(dbpool)

	var counters app.CounterStore = app.NewMemoryCounterStore()
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("REDIS_URL not set; payout attempt limits are per instance")
	} else if redisClient, err := connectRedis(ctx, cfg.RedisURL); err != nil {
		logger.Warn("redis unavailable; payout attempt limits are per instance", "error", err)
	} else {
		defer redisClient.Close()
		counters = app.NewRedisCounterStore(redisClient, cfg.RedisKeyPrefix)
		logger.Info("redis connected")
	}

	var publisher rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; events will be dropped", "error", err)
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	} else {
		defer producer.Close()
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}

	gateway := gatewayclient.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, time.Duration(cfg.GatewayTimeoutSeconds)*time.Second)
	var accountStatus app.AccountStatusChecker
	if cfg.VerifyGatewayAccountStatus {
		accountStatus = gateway
	}

	rates, err := app.NewRateEngine(app.RateConfig{
		PayeeRate:           cfg.PayeeRate,
		ClientStandardRate:  cfg.ClientStandardRate,
		ReferralDiscount:    cfg.ReferralDiscount,
		AffiliateRate:       cfg.AffiliateRate,
		TrainingPartnerRate: cfg.TrainingPartnerRate,
	})
	if err != nil {
		logger.Error("invalid rate configuration", "error", err)
		os.Exit(1)
	}

	tierConfig := app.DefaultTierConfig()
	tierConfig.SilverRate = cfg.TierSilverRate
	tierConfig.GoldRate = cfg.TierGoldRate
	tierConfig.PlatinumRate = cfg.TierPlatinumRate
	tiers, err := app.NewTierEngine(repository, tierConfig)
	if err != nil {
		logger.Error("invalid tier configuration", "error", err)
		os.Exit(1)
	}

	compliance := app.NewComplianceGate(repository, accountStatus, app.ComplianceConfig{
		CacheTTL:                   time.Duration(cfg.ComplianceCacheHours) * time.Hour,
		LookbackWeeks:              cfg.ComplianceLookbackWeeks,
		MaxAverageWeeklyHours:      cfg.ComplianceMaxWeeklyHours,
		SingleClientMaxWeeklyHours: cfg.ComplianceSingleClientMaxWeeklyHours,
		CaregiverCertifications:    cfg.CaregiverCertifications,
	}, logger)

	processor := app.NewPayoutProcessor(repository, gateway, compliance, tiers, counters, app.PayoutConfig{
		Currency:        cfg.PayoutCurrency,
		MaxAmount:       cfg.PayoutMaxAmountCents,
		TransferTimeout: time.Duration(cfg.GatewayTimeoutSeconds) * time.Second,
		AttemptLimit:    cfg.PayoutAttemptLimit,
		AttemptWindow:   time.Duration(cfg.PayoutAttemptWindowMinutes) * time.Minute,
	}, logger)

	orchestrator := app.NewScheduledPayoutOrchestrator(repository, processor, compliance, app.NewEventNotifier(publisher, logger), app.ScheduleConfig{
		MinimumPayout:        cfg.PayoutMinAmountCents,
		AutoApproveThreshold: cfg.PayoutAutoApproveCents,
		RequireTaxForm:       cfg.PayoutRequireTaxForm,
		MonthlyPayoutDay:     cfg.PayoutMonthlyDay,
		Currency:             cfg.PayoutCurrency,
	}, logger)

	retries := app.NewWebhookRetryQueue(repository, app.RetryConfig{
		MaxRetries: cfg.WebhookMaxRetries,
		BaseDelay:  time.Duration(cfg.WebhookRetryBaseDelaySeconds) * time.Second,
		ClaimLease: time.Duration(cfg.WebhookRetryClaimLeaseSecs) * time.Second,
	}, logger)
	dispatcher := app.NewWebhookDispatcher(publisher, logger)

	jobs := app.NewJobs(orchestrator, compliance, retries, dispatcher, logger, cfg.WebhookRetryBatchSize)
	scheduler := app.NewScheduler(jobs, logger, *cfg)
	scheduler.Start()
	logger.Info("scheduler started")

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq consumer unavailable; session earnings will not be recorded from events", "error", err)
	} else {
		defer consumer.Close()
		recorder := app.NewSessionEarningsRecorder(rates, repository, logger)
		bindings := map[string]func([]byte) bool{
			"work_session.closed": recorder.HandleSessionClosed,
		}
		if err := consumer.ConsumeWithBindings(sessionEventsExchange, cfg.SessionEventsQueue, bindings); err != nil {
			logger.Error("failed to start session event consumer", "error", err)
			os.Exit(1)
		}
	}

	handler := api.NewHandler(processor, orchestrator, compliance, tiers, retries, repository, logger)
	webhooks := api.NewWebhookHandler(dispatcher, retries, cfg.GatewayWebhookSecret, logger)
	router := api.NewRouter(handler, webhooks, cfg.InternalAPIKey, api.AdminAuthConfig{
		Secret: cfg.AdminJWTSecret,
		Issuer: cfg.AdminJWTIssuer,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("payout-service starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
		logger.Info("scheduler stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before shutdown deadline")
	}
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
