package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sms-dispatch/internal/observability"
)

// Reaper returns leases abandoned by a crashed dispatcher to the queue so
// no item stays stuck in processing forever.
type Reaper struct {
	queue        Queue
	logger       *zap.Logger
	metrics      *observability.Metrics
	LeaseTimeout time.Duration
	Interval     time.Duration
}

func NewReaper(q Queue, logger *zap.Logger, metrics *observability.Metrics, leaseTimeout, interval time.Duration) *Reaper {
	if leaseTimeout <= 0 {
		leaseTimeout = 5 * time.Minute
	}
	return &Reaper{
		queue:        q,
		logger:       logger,
		metrics:      metrics,
		LeaseTimeout: leaseTimeout,
		Interval:     interval,
	}
}

func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
	reaped, err := r.queue.ReapStuck(ctx, r.LeaseTimeout)
	if err != nil {
		return 0, err
	}
	if reaped > 0 {
		r.logger.Warn("reaped stuck leases", zap.Int64("count", reaped))
		if r.metrics != nil {
			r.metrics.ReapedLeasesTotal.Add(float64(reaped))
		}
	}
	return reaped, nil
}

func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("lease reaper started",
		zap.Duration("interval", interval),
		zap.Duration("lease_timeout", r.LeaseTimeout))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("lease reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("lease reap failed", zap.Error(err))
			}
		}
	}
}
