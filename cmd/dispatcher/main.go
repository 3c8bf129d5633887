package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sms-dispatch/internal/carrier"
	"sms-dispatch/internal/carrier/mock"
	"sms-dispatch/internal/config"
	"sms-dispatch/internal/db"
	"sms-dispatch/internal/dispatch"
	"sms-dispatch/internal/events"
	"sms-dispatch/internal/messages"
	"sms-dispatch/internal/observability"
	"sms-dispatch/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.GetLoggerFromEnv(cfg.LogLevel)
	defer logger.Sync()
	logger.Info("Starting SMS dispatcher",
		zap.String("version", "1.0.0"),
		zap.Int("workers", cfg.DispatchWorkers),
		zap.Int("batch_size", cfg.BatchSize()))

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
		cleanup, err := observability.SetupOpenTelemetry("sms-dispatcher", logger)
		if err != nil {
			logger.Warn("failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer cleanup()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		logger.Warn("Failed to run migrations", zap.Error(err))
	}

	publisher, err := events.Connect(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("Failed to connect to NATS, events disabled", zap.Error(err))
	}
	defer publisher.Close()

	queueStore := queue.NewStore(database.DB, logger)
	queueService := queue.NewService(queueStore, logger, cfg.DefaultCountryCode, cfg.RetryBackoffUnit)

	messageStore := messages.NewStore(database.DB, logger)
	messageService := messages.NewService(messageStore, logger, cfg.CarrierSenderID, publisher)

	provider := mock.NewProvider(cfg.MockSuccessRate, cfg.MockTempFailRate, cfg.MockPermFailRate, cfg.MockLatencyMs)

	dispatcher := dispatch.New(queueService, messageService, provider, carrier.DefaultPermanent,
		publisher, logger, metrics, dispatch.Options{
			BatchSize:      cfg.BatchSize(),
			Workers:        cfg.DispatchWorkers,
			Interval:       cfg.DispatchInterval,
			CarrierTimeout: cfg.CarrierTimeout,
			BaseURL:        cfg.BaseURL,
		})
	poller := dispatch.NewPoller(messageService, provider, logger, metrics, cfg.PollInterval)
	reaper := dispatch.NewReaper(queueService, logger, metrics, cfg.LeaseTimeout(), cfg.ReapInterval)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); dispatcher.Run(ctx) }()
	go func() { defer wg.Done(); poller.Run(ctx) }()
	go func() { defer wg.Done(); reaper.Run(ctx) }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runCleanup(ctx, queueService, logger, cfg.CleanupInterval, cfg.MessageRetentionDays)
	}()

	if metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sampleQueueDepth(ctx, queueService, metrics, logger)
		}()
	}

	logger.Info("SMS dispatcher started")
	<-ctx.Done()

	logger.Info("Shutting down SMS dispatcher...")
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("shutdown timed out")
	}
	logger.Info("SMS dispatcher stopped")
}

// sampleQueueDepth refreshes the queue depth gauges and logs a periodic
// operational snapshot.
func sampleQueueDepth(ctx context.Context, q *queue.Service, metrics *observability.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := q.Stats(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Warn("failed to sample queue stats", zap.Error(err))
				}
				continue
			}
			for _, status := range []queue.Status{queue.StatusPending, queue.StatusProcessing,
				queue.StatusSent, queue.StatusFailed, queue.StatusCancelled} {
				metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(stats.StatusCounts[status]))
			}
			logger.Info("queue snapshot",
				zap.Int64("pending", stats.StatusCounts[queue.StatusPending]),
				zap.Int64("processing", stats.StatusCounts[queue.StatusProcessing]),
				zap.Float64("success_rate", stats.SuccessRate()))
		}
	}
}

// runCleanup prunes old terminal queue rows on a slow ticker.
func runCleanup(ctx context.Context, q *queue.Service, logger *zap.Logger, interval time.Duration, retentionDays int) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if retentionDays < 1 {
		retentionDays = 30
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := q.Cleanup(ctx, retentionDays)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("queue cleanup failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				logger.Info("queue cleanup completed",
					zap.Int64("deleted", deleted),
					zap.Int("retention_days", retentionDays))
			}
		}
	}
}
