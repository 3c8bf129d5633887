package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"sms-dispatch/internal/messages"
	"sms-dispatch/internal/queue"
	"sms-dispatch/internal/receipt"
)

// Handlers exposes queue administration and webhook ingestion over HTTP.
type Handlers struct {
	queue         *queue.Service
	messages      *messages.Service
	receipts      *receipt.Service
	logger        *zap.Logger
	retentionDays int
}

func NewHandlers(q *queue.Service, m *messages.Service, r *receipt.Service, logger *zap.Logger, retentionDays int) *Handlers {
	if retentionDays < 1 {
		retentionDays = 30
	}
	return &Handlers{
		queue:         q,
		messages:      m,
		receipts:      r,
		logger:        logger,
		retentionDays: retentionDays,
	}
}

// QueueStats godoc
// GET /api/v1/queue/stats
func (h *Handlers) QueueStats(c *fiber.Ctx) error {
	stats, err := h.queue.Stats(c.Context())
	if err != nil {
		return h.internalError(c, "failed to compute queue stats", err)
	}
	return c.JSON(fiber.Map{
		"status_counts":               stats.StatusCounts,
		"priority_distribution":       stats.PriorityDistribution,
		"avg_processing_time_seconds": stats.AvgProcessingSeconds,
		"failed_messages":             stats.FailedCount,
		"future_scheduled":            stats.FutureScheduled,
		"success_rate":                stats.SuccessRate(),
	})
}

// ListItems godoc
// GET /api/v1/queue/items?status=&campaign_id=&limit=&offset=
func (h *Handlers) ListItems(c *fiber.Ctx) error {
	var status *queue.Status
	if raw := c.Query("status"); raw != "" {
		st := queue.Status(raw)
		if !st.Valid() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid status filter",
			})
		}
		status = &st
	}

	var campaignID *int64
	if raw := c.Query("campaign_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid campaign_id",
			})
		}
		campaignID = &id
	}

	limit := c.QueryInt("limit", 100)
	offset := c.QueryInt("offset", 0)

	items, err := h.queue.List(c.Context(), status, campaignID, limit, offset)
	if err != nil {
		return h.internalError(c, "failed to list queue items", err)
	}
	if items == nil {
		items = []*queue.Item{}
	}
	return c.JSON(fiber.Map{
		"items":  items,
		"count":  len(items),
		"limit":  limit,
		"offset": offset,
	})
}

// CancelItem godoc
// POST /api/v1/queue/items/:id/cancel
func (h *Handlers) CancelItem(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid item id"})
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.BodyParser(&body)

	cancelled, err := h.queue.Cancel(c.Context(), id, body.Reason)
	if err != nil {
		return h.internalError(c, "failed to cancel queue item", err)
	}
	if !cancelled {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "queue item not found or not cancellable",
		})
	}
	return c.JSON(fiber.Map{"id": id, "status": queue.StatusCancelled})
}

// RetryItem godoc
// POST /api/v1/queue/items/:id/retry
func (h *Handlers) RetryItem(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid item id"})
	}

	retried, err := h.queue.ResetForRetry(c.Context(), id)
	if err != nil {
		return h.internalError(c, "failed to retry queue item", err)
	}
	if !retried {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "queue item not found or not in a failed state",
		})
	}
	return c.JSON(fiber.Map{"id": id, "status": queue.StatusPending})
}

// MessageTimeline godoc
// GET /api/v1/queue/messages/:id/timeline
func (h *Handlers) MessageTimeline(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid message id"})
	}

	msg, logs, err := h.messages.Timeline(c.Context(), id)
	if errors.Is(err, messages.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "message not found"})
	}
	if err != nil {
		return h.internalError(c, "failed to load message timeline", err)
	}
	if logs == nil {
		logs = []*messages.MessageLog{}
	}
	return c.JSON(fiber.Map{
		"message":  msg,
		"timeline": logs,
	})
}

// CampaignStats godoc
// GET /api/v1/queue/campaigns/:id/stats
func (h *Handlers) CampaignStats(c *fiber.Ctx) error {
	id, err := parseID(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid campaign id"})
	}

	stats, err := h.messages.CampaignStats(c.Context(), id)
	if err != nil {
		return h.internalError(c, "failed to compute campaign stats", err)
	}
	return c.JSON(stats)
}

// FailedMessages godoc
// GET /api/v1/queue/failed-messages?campaign_id=&limit=
func (h *Handlers) FailedMessages(c *fiber.Ctx) error {
	var campaignID *int64
	if raw := c.Query("campaign_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid campaign_id"})
		}
		campaignID = &id
	}
	limit := c.QueryInt("limit", 100)

	failed, err := h.messages.FailedForRetry(c.Context(), campaignID, limit)
	if err != nil {
		return h.internalError(c, "failed to list failed messages", err)
	}
	if failed == nil {
		failed = []*messages.Message{}
	}
	return c.JSON(fiber.Map{
		"failed_messages": failed,
		"count":           len(failed),
	})
}

// Cleanup godoc
// POST /api/v1/queue/cleanup?days=&dry_run=
func (h *Handlers) Cleanup(c *fiber.Ctx) error {
	days := c.QueryInt("days", h.retentionDays)
	if days < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "days must be a positive integer",
		})
	}

	if c.QueryBool("dry_run", false) {
		preview, err := h.queue.CleanupPreview(c.Context(), days)
		if err != nil {
			return h.internalError(c, "failed to preview cleanup", err)
		}
		return c.JSON(fiber.Map{
			"dry_run": true,
			"days":    days,
			"preview": preview,
		})
	}

	deleted, err := h.queue.Cleanup(c.Context(), days)
	if err != nil {
		return h.internalError(c, "failed to clean up queue", err)
	}
	return c.JSON(fiber.Map{
		"dry_run":         false,
		"days":            days,
		"deleted_records": deleted,
	})
}

// QueueHealth godoc
// GET /api/v1/queue/health
func (h *Handlers) QueueHealth(c *fiber.Ctx) error {
	stats, err := h.queue.Stats(c.Context())
	if err != nil {
		h.logger.Error("queue health check failed", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":    "unhealthy",
			"error":     "database unavailable",
			"timestamp": time.Now().UTC(),
		})
	}

	status := "healthy"
	var warnings []string
	if pending := stats.StatusCounts[queue.StatusPending]; pending > 10000 {
		status = "warning"
		warnings = append(warnings, "pending backlog exceeds 10000")
	}
	if rate := stats.SuccessRate(); rate < 90 {
		status = "warning"
		warnings = append(warnings, "success rate below 90%")
	}
	if processing := stats.StatusCounts[queue.StatusProcessing]; processing > 1000 {
		status = "warning"
		warnings = append(warnings, "processing count exceeds 1000")
	}

	return c.JSON(fiber.Map{
		"status":       status,
		"warnings":     warnings,
		"stats":        stats.StatusCounts,
		"success_rate": stats.SuccessRate(),
		"timestamp":    time.Now().UTC(),
	})
}

// DeliveryWebhook godoc
// POST /api/v1/webhooks/sms/delivery
// Carrier-signed, form-encoded delivery receipt. Responds with plain text
// like the carrier expects.
func (h *Handlers) DeliveryWebhook(c *fiber.Ctx) error {
	params := formParams(c)
	signature := c.Get("X-Carrier-Signature")
	url := c.BaseURL() + c.OriginalURL()

	err := h.receipts.Process(c.Context(), url, params, signature)
	switch {
	case errors.Is(err, receipt.ErrBadSignature):
		return c.Status(fiber.StatusForbidden).SendString("invalid signature")
	case errors.Is(err, receipt.ErrMissingFields):
		return c.Status(fiber.StatusBadRequest).SendString("missing message identifier or status")
	case err != nil:
		h.logger.Error("failed to process delivery receipt", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).SendString("internal error")
	}
	return c.SendString("OK")
}

// StatusWebhook godoc
// POST /api/v1/webhooks/sms/status/:message_id
// Internal per-message status callback, addressed by our own message id.
func (h *Handlers) StatusWebhook(c *fiber.Ctx) error {
	id, err := parseID(c, "message_id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("invalid message id")
	}

	found, err := h.receipts.ProcessForMessage(c.Context(), id, formParams(c))
	switch {
	case errors.Is(err, receipt.ErrMissingFields):
		return c.Status(fiber.StatusBadRequest).SendString("missing status")
	case err != nil:
		h.logger.Error("failed to process status callback",
			zap.Int64("message_id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).SendString("internal error")
	case !found:
		return c.Status(fiber.StatusNotFound).SendString("message not found")
	}
	return c.SendString("OK")
}

// HealthCheck godoc
// GET /healthz
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// ReadyCheck godoc
// GET /readyz
func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	if err := h.queue.Health(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not ready",
		})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

func (h *Handlers) internalError(c *fiber.Ctx, msg string, err error) error {
	h.logger.Error(msg, zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": msg,
	})
}

func parseID(c *fiber.Ctx, name string) (int64, error) {
	return strconv.ParseInt(c.Params(name), 10, 64)
}

func formParams(c *fiber.Ctx) map[string]string {
	params := make(map[string]string)
	c.Request().PostArgs().VisitAll(func(k, v []byte) {
		params[string(k)] = string(v)
	})
	return params
}
