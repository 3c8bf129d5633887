package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"sms-dispatch/internal/api"
	"sms-dispatch/internal/config"
	"sms-dispatch/internal/db"
	"sms-dispatch/internal/events"
	"sms-dispatch/internal/messages"
	"sms-dispatch/internal/observability"
	"sms-dispatch/internal/queue"
	"sms-dispatch/internal/rate"
	"sms-dispatch/internal/receipt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.GetLoggerFromEnv(cfg.LogLevel)
	defer logger.Sync()
	logger.Info("Starting SMS dispatch API", zap.String("version", "1.0.0"))

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
		cleanup, err := observability.SetupOpenTelemetry("sms-dispatch-api", logger)
		if err != nil {
			logger.Warn("failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer cleanup()
		}
	}

	ctx := context.Background()
	database, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		logger.Warn("Failed to run migrations", zap.Error(err))
	}

	var redisClient *db.RedisClient
	if cfg.RedisURL != "" {
		redisClient, err = db.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("Failed to connect to Redis, rate limiting disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
		}
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

	var verifier receipt.SignatureVerifier
	if cfg.WebhookSigningSecret != "" {
		verifier = receipt.NewHMACVerifier(cfg.WebhookSigningSecret)
	}
	receiptService := receipt.NewService(messageService, verifier, logger, metrics)

	var limiter *rate.Limiter
	if redisClient != nil {
		limiter = rate.NewLimiter(redisClient, logger, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	handlers := api.NewHandlers(queueService, messageService, receiptService, logger, cfg.MessageRetentionDays)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("Fiber error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "internal server error",
			})
		},
	})

	api.SetupRoutes(app, logger, metrics, handlers, cfg.AdminAPIKeyHash, limiter, cfg.MetricsEnabled)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	logger.Info("SMS dispatch API started", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown gracefully", zap.Error(err))
	}

	logger.Info("SMS dispatch API stopped")
}
