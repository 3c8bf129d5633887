// Package dispatch drains the queue in batches, pushes each item through
// the carrier and books the outcome into both the queue and the delivery
// log. It also hosts the status poller and the stuck-lease reaper.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sms-dispatch/internal/carrier"
	"sms-dispatch/internal/events"
	"sms-dispatch/internal/messages"
	"sms-dispatch/internal/observability"
	"sms-dispatch/internal/queue"
)

// Queue is the slice of the queue service the dispatcher needs.
type Queue interface {
	Lease(ctx context.Context, limit int) ([]*queue.Item, error)
	CompleteSent(ctx context.Context, id int64, externalID string) error
	FailAttempt(ctx context.Context, id int64, errMsg string, permanent bool) error
	ReapStuck(ctx context.Context, leaseTimeout time.Duration) (int64, error)
	Cleanup(ctx context.Context, days int) (int64, error)
}

// Log is the slice of the message-log service the dispatcher needs.
type Log interface {
	CreateMessage(ctx context.Context, item *queue.Item, initial messages.MessageStatus) (*messages.Message, error)
	LogEvent(ctx context.Context, ev messages.Event) (*messages.MessageLog, error)
	SentForPolling(ctx context.Context, window time.Duration, limit int) ([]*messages.Message, error)
	UpdateDeliveryStatus(ctx context.Context, externalID, providerStatus string, response map[string]string) (bool, error)
}

// Options tune one Dispatcher.
type Options struct {
	BatchSize      int
	Workers        int
	Interval       time.Duration
	CarrierTimeout time.Duration
	BaseURL        string
}

// Result summarizes one dispatch cycle.
type Result struct {
	Processed int
	Sent      int
	Failed    int
}

type Dispatcher struct {
	queue     Queue
	log       Log
	carrier   carrier.Carrier
	permanent carrier.PermanentClassifier
	notifier  messages.Notifier
	logger    *zap.Logger
	metrics   *observability.Metrics
	opts      Options
}

func New(q Queue, l Log, c carrier.Carrier, classify carrier.PermanentClassifier,
	notifier messages.Notifier, logger *zap.Logger, metrics *observability.Metrics, opts Options) *Dispatcher {
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.CarrierTimeout <= 0 {
		opts.CarrierTimeout = 30 * time.Second
	}
	if classify == nil {
		classify = carrier.DefaultPermanent
	}
	return &Dispatcher{
		queue:     q,
		log:       l,
		carrier:   c,
		permanent: classify,
		notifier:  notifier,
		logger:    logger,
		metrics:   metrics,
		opts:      opts,
	}
}

// RunOnce leases one batch and dispatches it across the worker pool. A
// cancelled context stops the pool between items; items already in flight
// finish their bookkeeping.
func (d *Dispatcher) RunOnce(ctx context.Context) (Result, error) {
	items, err := d.queue.Lease(ctx, d.opts.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("failed to lease queue items: %w", err)
	}
	if len(items) == 0 {
		return Result{}, nil
	}

	d.logger.Info("dispatching batch", zap.Int("items", len(items)))

	jobs := make(chan *queue.Item)
	var mu sync.Mutex
	var res Result

	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				sent := d.dispatchOne(ctx, item)
				mu.Lock()
				res.Processed++
				if sent {
					res.Sent++
				} else {
					res.Failed++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, item := range items {
		select {
		case jobs <- item:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	d.logger.Info("batch dispatched",
		zap.Int("processed", res.Processed),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed))
	return res, ctx.Err()
}

// dispatchOne pushes a single leased item through the carrier and records
// the outcome. Reports true when the item reached sent.
func (d *Dispatcher) dispatchOne(ctx context.Context, item *queue.Item) bool {
	start := time.Now()

	msg, err := d.log.CreateMessage(ctx, item, messages.StatusProcessing)
	if err != nil {
		d.logger.Error("failed to open message record",
			zap.Int64("queue_item_id", item.ID), zap.Error(err))
		// No message row to log against; unexpected errors book as
		// permanent, same as the classify fallback.
		d.bookFailure(ctx, item, nil, "INTERNAL_ERROR", err.Error(), true, start)
		return false
	}

	callbackURL := fmt.Sprintf("%s/api/v1/webhooks/sms/status/%d", d.opts.BaseURL, msg.ID)

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.CarrierTimeout)
	result, err := d.carrier.SendSMS(sendCtx, item.ContactPhone, item.Content, callbackURL)
	cancel()

	if err != nil {
		code, errMsg, permanent := d.classify(err)
		d.bookFailure(ctx, item, msg, code, errMsg, permanent, start)
		return false
	}

	status := messages.StatusFromProvider(result.ProviderStatus)
	if status != messages.StatusSent && status != messages.StatusDelivered {
		// An accepted send with an unrecognized provider status still
		// counts as sent until a delivery report says otherwise.
		status = messages.StatusSent
	}

	durationMs := time.Since(start).Milliseconds()
	_, err = d.log.LogEvent(ctx, messages.Event{
		MessageID:      msg.ID,
		QueueItemID:    &item.ID,
		Status:         status,
		Type:           messages.EventSent,
		ProviderStatus: &result.ProviderStatus,
		ExternalID:     &result.ExternalID,
		Cost:           result.Cost,
		ProcessingMs:   &durationMs,
	})
	if err != nil {
		d.logger.Error("failed to log sent event",
			zap.Int64("message_id", msg.ID), zap.Error(err))
	}

	if err := d.queue.CompleteSent(ctx, item.ID, result.ExternalID); err != nil {
		d.logger.Error("failed to mark queue item sent",
			zap.Int64("queue_item_id", item.ID), zap.Error(err))
	}

	if d.metrics != nil {
		d.metrics.DispatchedTotal.WithLabelValues("sent").Inc()
		d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}
	if d.notifier != nil {
		d.notifier.MessageEvent(events.SubjectDispatched, map[string]any{
			"queue_item_id": item.ID,
			"message_id":    msg.ID,
			"external_id":   result.ExternalID,
		})
	}

	d.logger.Info("message sent",
		zap.Int64("queue_item_id", item.ID),
		zap.Int64("message_id", msg.ID),
		zap.String("external_id", result.ExternalID),
		zap.Int64("duration_ms", durationMs))
	return true
}

// classify turns a send error into (code, message, permanent). Deadline
// expiry is always transient.
func (d *Dispatcher) classify(err error) (string, string, bool) {
	var cerr *carrier.Error
	if errors.As(err, &cerr) {
		if cerr.Code == carrier.CodeTimeout {
			return cerr.Code, cerr.Message, false
		}
		return cerr.Code, cerr.Message, d.permanent(cerr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return carrier.CodeTimeout, "carrier call timed out", false
	}
	return "INTERNAL_ERROR", err.Error(), true
}

func (d *Dispatcher) bookFailure(ctx context.Context, item *queue.Item, msg *messages.Message,
	code, errMsg string, permanent bool, start time.Time) {

	willRetry := !permanent && item.Attempts+1 < item.MaxAttempts

	if msg != nil {
		status := messages.StatusFailed
		if willRetry {
			status = messages.StatusRetryPending
		}
		durationMs := time.Since(start).Milliseconds()
		_, err := d.log.LogEvent(ctx, messages.Event{
			MessageID:    msg.ID,
			QueueItemID:  &item.ID,
			Status:       status,
			Type:         messages.EventSendFailed,
			ErrorCode:    &code,
			ErrorMessage: &errMsg,
			ProcessingMs: &durationMs,
		})
		if err != nil {
			d.logger.Error("failed to log send failure",
				zap.Int64("message_id", msg.ID), zap.Error(err))
		}
	}

	if err := d.queue.FailAttempt(ctx, item.ID, fmt.Sprintf("%s: %s", code, errMsg), permanent); err != nil {
		d.logger.Error("failed to book queue failure",
			zap.Int64("queue_item_id", item.ID), zap.Error(err))
	}

	if d.metrics != nil {
		if willRetry {
			d.metrics.DispatchedTotal.WithLabelValues("retry").Inc()
			d.metrics.RetriesTotal.WithLabelValues(code).Inc()
		} else {
			d.metrics.DispatchedTotal.WithLabelValues("failed").Inc()
		}
		d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}
	if d.notifier != nil && !willRetry {
		d.notifier.MessageEvent(events.SubjectFailed, map[string]any{
			"queue_item_id": item.ID,
			"error_code":    code,
		})
	}

	d.logger.Warn("dispatch failed",
		zap.Int64("queue_item_id", item.ID),
		zap.String("error_code", code),
		zap.Bool("permanent", permanent),
		zap.Bool("will_retry", willRetry))
}

// Run drains the queue on a fixed interval until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		zap.Duration("interval", interval),
		zap.Int("batch_size", d.opts.BatchSize),
		zap.Int("workers", d.opts.Workers))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("dispatch cycle failed", zap.Error(err))
			}
		}
	}
}
