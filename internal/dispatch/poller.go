package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"sms-dispatch/internal/carrier"
	"sms-dispatch/internal/observability"
)

// Poller reconciles sent messages against the carrier when delivery
// receipts go missing. One bad message never aborts the sweep.
type Poller struct {
	log     Log
	carrier carrier.Carrier
	logger  *zap.Logger
	metrics *observability.Metrics

	Window    time.Duration
	BatchSize int
	Interval  time.Duration
}

func NewPoller(l Log, c carrier.Carrier, logger *zap.Logger, metrics *observability.Metrics, interval time.Duration) *Poller {
	return &Poller{
		log:       l,
		carrier:   c,
		logger:    logger,
		metrics:   metrics,
		Window:    24 * time.Hour,
		BatchSize: 500,
		Interval:  interval,
	}
}

// RunOnce sweeps recently sent messages and applies any status the carrier
// reports beyond plain sent. Returns how many messages were updated.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	msgs, err := p.log.SentForPolling(ctx, p.Window, p.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	updated := 0
	for _, m := range msgs {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		if m.ExternalMessageID == nil {
			continue
		}

		status, err := p.carrier.FetchStatus(ctx, *m.ExternalMessageID)
		if err != nil {
			p.logger.Warn("status poll failed",
				zap.Int64("message_id", m.ID),
				zap.String("external_id", *m.ExternalMessageID),
				zap.Error(err))
			continue
		}

		// sent -> sent is a no-op; only record real movement.
		if strings.EqualFold(status.ProviderStatus, "queued") ||
			strings.EqualFold(status.ProviderStatus, "sending") ||
			strings.EqualFold(status.ProviderStatus, "sent") {
			continue
		}

		response := status.Raw
		if response == nil {
			response = map[string]string{"MessageStatus": status.ProviderStatus}
		}
		if status.ErrorCode != nil {
			response["ErrorCode"] = *status.ErrorCode
		}
		if status.ErrorMessage != nil {
			response["ErrorMessage"] = *status.ErrorMessage
		}

		found, err := p.log.UpdateDeliveryStatus(ctx, *m.ExternalMessageID, status.ProviderStatus, response)
		if err != nil {
			p.logger.Error("failed to apply polled status",
				zap.Int64("message_id", m.ID), zap.Error(err))
			continue
		}
		if found {
			updated++
			if p.metrics != nil {
				p.metrics.PollerUpdatesTotal.Inc()
			}
		}
	}

	if updated > 0 {
		p.logger.Info("status poll completed",
			zap.Int("checked", len(msgs)), zap.Int("updated", updated))
	}
	return updated, nil
}

// Run sweeps on a fixed interval until the context ends.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("status poller started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("status poller stopped")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("status poll cycle failed", zap.Error(err))
			}
		}
	}
}
