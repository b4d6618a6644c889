package main

import (
	"context"
	"database/sql"
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
	"google.golang.org/api/option"

	"github.com/nevermiss-ai/textback-platform/cmd/mainconfig"
	"github.com/nevermiss-ai/textback-platform/internal/app/bootstrap"
	"github.com/nevermiss-ai/textback-platform/internal/archive"
	"github.com/nevermiss-ai/textback-platform/internal/compliance"
	appconfig "github.com/nevermiss-ai/textback-platform/internal/config"
	"github.com/nevermiss-ai/textback-platform/internal/conversation"
	"github.com/nevermiss-ai/textback-platform/internal/directory"
	"github.com/nevermiss-ai/textback-platform/internal/events"
	"github.com/nevermiss-ai/textback-platform/internal/ingest"
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

// The outbox worker is the background half of a split deployment: the API
// runs with OUTBOX_DISPATCHER_DISABLED=true and this process owns event
// dispatch plus every scheduled job. The live operator feed is the one
// consumer that cannot move here, since its watchers hang off the API's
// websocket endpoint.
func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting textback outbox worker", "env", cfg.Env)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	outboxMetrics := metrics.NewOutboxMetrics(prometheus.DefaultRegisterer)
	conversationMetrics := metrics.NewConversationMetrics(prometheus.DefaultRegisterer)
	schedulingMetrics := metrics.NewSchedulingMetrics(prometheus.DefaultRegisterer)

	outboxStore := events.NewOutboxStore(pool, cfg.RetryMaxAttempts)
	receiptStore := ingest.NewReceiptStore(pool)
	complianceStore := compliance.NewStore(pool)
	conversationStore := conversation.NewStore(pool)
	schedulingStore := scheduling.NewStore(pool)
	directoryRepo := directory.NewRepository(sqlDB)

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

	alerter := notify.NewAlerter(bootstrap.BuildEmailSender(ctx, cfg, logger), cfg.OpsAlertEmail, logger)
	proj := projector.New(sqlDB, logger)

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
	dispatcher.Register("compliance.", conversationConsumer)
	dispatcher.Register("compliance.", alerter)
	dispatcher.Register("conversation.", proj)
	dispatcher.Register("scheduling.", proj)
	if cfg.EventRelayQueueURL != "" {
		dispatcher.Register("", events.NewSQSRelay(sqs.NewFromConfig(awsCfg), cfg.EventRelayQueueURL, logger))
	}
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

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down outbox worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("outbox worker stopped")
	case <-doneCtx.Done():
		logger.Error("outbox worker shutdown timed out", "error", doneCtx.Err())
	}
}
