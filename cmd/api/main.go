package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/api/option"

	"github.com/nevermiss-ai/textback-platform/cmd/mainconfig"
	"github.com/nevermiss-ai/textback-platform/internal/api/router"
	"github.com/nevermiss-ai/textback-platform/internal/app/bootstrap"
	"github.com/nevermiss-ai/textback-platform/internal/archive"
	"github.com/nevermiss-ai/textback-platform/internal/compliance"
	appconfig "github.com/nevermiss-ai/textback-platform/internal/config"
	"github.com/nevermiss-ai/textback-platform/internal/conversation"
	"github.com/nevermiss-ai/textback-platform/internal/directory"
	"github.com/nevermiss-ai/textback-platform/internal/events"
	"github.com/nevermiss-ai/textback-platform/internal/http/handlers"
	"github.com/nevermiss-ai/textback-platform/internal/ingest"
	"github.com/nevermiss-ai/textback-platform/internal/kpi"
	"github.com/nevermiss-ai/textback-platform/internal/livefeed"
	"github.com/nevermiss-ai/textback-platform/internal/messaging"
	"github.com/nevermiss-ai/textback-platform/internal/notify"
	"github.com/nevermiss-ai/textback-platform/internal/observability/metrics"
	"github.com/nevermiss-ai/textback-platform/internal/projector"
	"github.com/nevermiss-ai/textback-platform/internal/scheduling"
	conversationworker "github.com/nevermiss-ai/textback-platform/internal/worker/conversation"
	retentionworker "github.com/nevermiss-ai/textback-platform/internal/worker/retention"
	schedulingworker "github.com/nevermiss-ai/textback-platform/internal/worker/scheduling"
	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting textback API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres: pgx pool for the transactional write path, database/sql for
	// the read-side directory and projections.
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("postgres unreachable", "error", err)
		os.Exit(1)
	}
	sqlDB, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open sql db", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sqlDB.Close() }()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	// Metrics register on the default registry, which /metrics serves and
	// the KPI snapshot reads back.
	intakeMetrics := metrics.NewIntakeMetrics(prometheus.DefaultRegisterer)
	outboxMetrics := metrics.NewOutboxMetrics(prometheus.DefaultRegisterer)
	conversationMetrics := metrics.NewConversationMetrics(prometheus.DefaultRegisterer)
	schedulingMetrics := metrics.NewSchedulingMetrics(prometheus.DefaultRegisterer)

	// Stores
	outboxStore := events.NewOutboxStore(pool, cfg.RetryMaxAttempts)
	receiptStore := ingest.NewReceiptStore(pool)
	failureStore := ingest.NewFailureStore(pool)
	complianceStore := compliance.NewStore(pool)
	conversationStore := conversation.NewStore(pool)
	schedulingStore := scheduling.NewStore(pool)
	directoryRepo := directory.NewRepository(sqlDB)

	// Conversation engine
	gate := compliance.NewGate(complianceStore, cfg.PauseOutboundSMS, logger)
	composer, err := bootstrap.BuildComposer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build composer", "error", err)
		os.Exit(1)
	}
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}
	engine := conversation.NewEngine(conversation.EngineConfig{
		Store:       conversationStore,
		Directory:   directoryRepo,
		Gate:        gate,
		OptOuts:     complianceStore,
		Composer:    composer,
		Transcript:  bootstrap.BuildTranscriptCache(redisClient, cfg),
		Metrics:     conversationMetrics,
		Logger:      logger,
		FirstSmsSLO: cfg.FirstSmsSLO,
	})
	conversationConsumer := conversation.NewEventConsumer(engine, logger)

	// Outbound SMS
	smsSender, smsProvider, smsReason := bootstrap.BuildSmsSender(cfg, logger)
	if smsSender == nil {
		logger.Error("outbound sms not configured", "reason", smsReason)
		os.Exit(1)
	}
	logger.Info("sms sender configured", "provider", smsProvider)
	var ledger messaging.SendReserver
	if cfg.SendLedgerTable != "" {
		ledger = messaging.NewSendLedger(dynamodb.NewFromConfig(awsCfg), cfg.SendLedgerTable, logger)
	} else {
		logger.Warn("SEND_LEDGER_TABLE not set; cross-process send dedup disabled")
	}
	outboundConsumer := messaging.NewOutboundConsumer(smsSender, ledger, conversationStore, logger)

	// Ops alerting
	alerter := notify.NewAlerter(bootstrap.BuildEmailSender(ctx, cfg, logger), cfg.OpsAlertEmail, logger)

	// Operator live feed
	feed := livefeed.NewFeed(logger)
	feedConsumer := livefeed.NewConsumer(feed, conversationStore, logger)

	// Read-side projections
	proj := projector.New(sqlDB, logger)
	kpiReader := kpi.NewReader(sqlDB, prometheus.DefaultGatherer)

	// Calendar sync
	syncerOpts := []scheduling.SyncerOption{scheduling.WithSyncMetrics(schedulingMetrics)}
	googleEnabled := false
	if cfg.GoogleCalendarAPIKey != "" {
		googleClient, err := scheduling.NewGoogleClient(ctx, option.WithAPIKey(cfg.GoogleCalendarAPIKey))
		if err != nil {
			logger.Error("failed to build google calendar client", "error", err)
		} else {
			syncerOpts = append(syncerOpts, scheduling.WithGoogleCalendar(googleClient))
			googleEnabled = true
		}
	}
	jobberEnabled := false
	if cfg.JobberBaseURL != "" && cfg.JobberAPIToken != "" {
		jobberClient, err := scheduling.NewJobberClient(scheduling.JobberConfig{
			BaseURL: cfg.JobberBaseURL,
			APIKey:  cfg.JobberAPIToken,
		})
		if err != nil {
			logger.Error("failed to build jobber client", "error", err)
		} else {
			syncerOpts = append(syncerOpts, scheduling.WithJobberCalendar(jobberClient))
			jobberEnabled = true
		}
	}
	syncer := scheduling.NewSyncer(schedulingStore, directoryRepo, logger, syncerOpts...)

	schedulingService := scheduling.NewService(scheduling.ServiceConfig{
		Store:         schedulingStore,
		Directory:     directoryRepo,
		Metrics:       schedulingMetrics,
		Logger:        logger,
		HoldTTL:       cfg.HoldTTL,
		Granularity:   cfg.SearchGranularity,
		MaxWindowDays: cfg.SearchMaxWindowDays,
	})

	// Initialize handlers
	twilioWebhooks := handlers.NewTwilioWebhookHandler(handlers.TwilioWebhookConfig{
		DB:            pool,
		Receipts:      receiptStore,
		Routes:        complianceStore,
		Conversations: conversationStore,
		Failures:      failureStore,
		Retrier:       ingest.NewRetrier(cfg.RetryMaxAttempts, cfg.RetryBackoffCap),
		Metrics:       intakeMetrics,
		Logger:        logger,
		AuthToken:     cfg.TwilioAuthToken,
		ReuseWindow:   cfg.CorrelationReuseWindow,
	})
	calendarWebhooks := handlers.NewCalendarWebhookHandler(handlers.CalendarWebhookConfig{
		Syncer:       syncer,
		Metrics:      intakeMetrics,
		Logger:       logger,
		GoogleToken:  cfg.GoogleChannelToken,
		JobberSecret: cfg.JobberWebhookSecret,
	})

	// Outbox dispatcher: fan events out by name prefix. Consumers sharing a
	// prefix each see every event and skip the names they don't own.
	dispatcher := events.NewDispatcher(outboxStore, logger,
		events.WithBatchSize(cfg.OutboxBatchSize),
		events.WithWorkers(cfg.OutboxConcurrency),
		events.WithBackoffCap(cfg.RetryBackoffCap),
		events.WithDispatchMetrics(outboxMetrics),
	)
	dispatcher.Register("telephony.", conversationConsumer)
	dispatcher.Register("telephony.", proj)
	dispatcher.Register("messaging.", conversationConsumer)
	dispatcher.Register("messaging.", outboundConsumer)
	dispatcher.Register("messaging.", proj)
	dispatcher.Register("messaging.", feedConsumer)
	dispatcher.Register("compliance.", conversationConsumer)
	dispatcher.Register("compliance.", alerter)
	dispatcher.Register("compliance.", feedConsumer)
	dispatcher.Register("conversation.", proj)
	dispatcher.Register("conversation.", feedConsumer)
	dispatcher.Register("scheduling.", proj)
	if cfg.EventRelayQueueURL != "" {
		dispatcher.Register("", events.NewSQSRelay(sqs.NewFromConfig(awsCfg), cfg.EventRelayQueueURL, logger))
	}
	// Dispatch and the scheduled workers run in-process by default. With
	// OUTBOX_DISPATCHER_DISABLED=true this process serves HTTP only and the
	// standalone outbox worker owns all background work.
	if cfg.OutboxDispatcherOff {
		logger.Info("outbox dispatcher disabled; run the outbox worker to drain events")
	} else {
		dispatcher.Start(ctx)

		go schedulingworker.NewHoldGC(schedulingService, logger).Run(ctx)
		if googleEnabled {
			go schedulingworker.NewCalendarPoller(syncer, scheduling.SourceGoogle, logger).
				WithInterval(cfg.GooglePollInterval).Run(ctx)
		}
		if jobberEnabled {
			go schedulingworker.NewCalendarPoller(syncer, scheduling.SourceJobber, logger).
				WithInterval(cfg.JobberPollInterval).Run(ctx)
		}
		go conversationworker.NewInactivityCloser(conversationStore, logger).
			WithIdleFor(cfg.InactivityCloseAfter).Run(ctx)
		archiveStore := archive.NewStore(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket, logger)
		if !archiveStore.Enabled() {
			logger.Warn("ARCHIVE_BUCKET not set; expired conversations are deleted without archival")
		}
		go retentionworker.NewSweeper(conversationStore, archiveStore, receiptStore, outboxStore,
			retentionworker.NewRunStore(pool), logger).
			WithMessageRetentionDays(cfg.MessageRetentionDays).
			WithMetadataRetentionMonths(cfg.MetadataRetentionMonths).
			WithReceiptRetentionDays(cfg.ReceiptRetentionDays).
			WithOutboxRetentionDays(cfg.OutboxRetentionDays).
			Run(ctx)
	}

	// Setup router
	r := router.New(&router.Config{
		Logger:             logger,
		TwilioWebhooks:     twilioWebhooks,
		CalendarWebhooks:   calendarWebhooks,
		SchedulingAPI:      handlers.NewSchedulingAPIHandler(schedulingService, logger),
		AdminCompliance:    handlers.NewAdminComplianceHandler(complianceStore, logger),
		AdminConversations: handlers.NewAdminConversationHandler(conversationStore, logger),
		AdminOps:           handlers.NewAdminOpsHandler(failureStore, kpiReader, logger),
		LiveFeed:           feed,
		AdminAuthSecret:    cfg.AdminJWTSecret,
		InternalServiceKey: cfg.InternalServiceKey,
		MetricsHandler:     promhttp.Handler(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WebhookRateLimit:   cfg.WebhookRateLimit,
		WebhookRateBurst:   cfg.WebhookRateBurst,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Stop taking HTTP traffic, then stop the dispatcher and workers. The
	// dispatcher finishes its in-flight batch before Wait returns.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	dispatcher.Wait()

	logger.Info("server stopped")
}
