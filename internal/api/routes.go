package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swaggo/swag"
	"go.uber.org/zap"

	_ "sms-dispatch/docs"

	"sms-dispatch/internal/auth"
	"sms-dispatch/internal/observability"
	"sms-dispatch/internal/rate"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	apiKeyHash string,
	rateLimiter *rate.Limiter,
	metricsEnabled bool,
) {
	SetupMiddleware(app, logger, metrics)

	// Probes and operational surfaces, no auth.
	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.ReadyCheck)
	if metricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	app.Get("/swagger/doc.json", func(c *fiber.Ctx) error {
		doc, err := swag.ReadDoc()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "documentation unavailable",
			})
		}
		c.Set("Content-Type", "application/json")
		return c.SendString(doc)
	})

	v1 := app.Group("/api/v1")

	// Carrier-facing webhooks authenticate by signature, not API key.
	v1.Post("/webhooks/sms/delivery", handlers.DeliveryWebhook)
	v1.Post("/webhooks/sms/status/:message_id", handlers.StatusWebhook)

	// Monitoring health stays open for load balancers and probes.
	v1.Get("/queue/health", handlers.QueueHealth)

	q := v1.Group("/queue", auth.RequireAPIKey(apiKeyHash, logger))
	q.Get("/stats", handlers.QueueStats)
	q.Get("/items", handlers.ListItems)
	q.Post("/items/:id/cancel", RateLimit(rateLimiter), handlers.CancelItem)
	q.Post("/items/:id/retry", RateLimit(rateLimiter), handlers.RetryItem)
	q.Get("/messages/:id/timeline", handlers.MessageTimeline)
	q.Get("/campaigns/:id/stats", handlers.CampaignStats)
	q.Get("/failed-messages", handlers.FailedMessages)
	q.Post("/cleanup", RateLimit(rateLimiter), handlers.Cleanup)
}
