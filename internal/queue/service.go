package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sms-dispatch/internal/phone"
)

const (
	DefaultPriority    = 5
	DefaultMaxAttempts = 3
)

// SubmitRequest is one per-recipient send request from the campaign layer.
// Nil Priority and MaxAttempts take the defaults.
type SubmitRequest struct {
	CampaignID  *int64
	ContactID   int64
	Content     string
	ScheduledAt *time.Time
	Priority    *int
	MaxAttempts *int
}

// Service enforces the queue's state machine on top of the store. Status
// transitions outside the legal set are rejected here regardless of what
// the database would accept.
type Service struct {
	store         *Store
	logger        *zap.Logger
	defaultRegion string
	backoffUnit   time.Duration
}

func NewService(store *Store, logger *zap.Logger, defaultRegion string, backoffUnit time.Duration) *Service {
	if backoffUnit <= 0 {
		backoffUnit = time.Minute
	}
	return &Service{
		store:         store,
		logger:        logger,
		defaultRegion: defaultRegion,
		backoffUnit:   backoffUnit,
	}
}

// Submit validates and persists a send request as a pending queue item.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Item, error) {
	if req.Content == "" {
		return nil, &ValidationError{Field: "message_content", Reason: "must not be empty"}
	}

	priority := DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < 0 || priority > 10 {
		return nil, &ValidationError{Field: "priority", Reason: "must be between 0 and 10"}
	}

	maxAttempts := DefaultMaxAttempts
	if req.MaxAttempts != nil {
		maxAttempts = *req.MaxAttempts
	}
	if maxAttempts < 1 || maxAttempts > 10 {
		return nil, &ValidationError{Field: "max_attempts", Reason: "must be between 1 and 10"}
	}

	rawPhone, err := s.store.ContactPhone(ctx, req.ContactID)
	if err == ErrNotFound {
		return nil, &ValidationError{Field: "contact_id", Reason: fmt.Sprintf("contact %d not found", req.ContactID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up contact: %w", err)
	}
	if _, err := phone.Normalize(rawPhone, s.defaultRegion); err != nil {
		return nil, &ValidationError{Field: "contact_id", Reason: err.Error()}
	}

	if req.CampaignID != nil {
		status, err := s.store.CampaignStatus(ctx, *req.CampaignID)
		if err == ErrNotFound {
			return nil, &ValidationError{Field: "campaign_id", Reason: fmt.Sprintf("campaign %d not found", *req.CampaignID)}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up campaign: %w", err)
		}
		if status != "active" && status != "scheduled" {
			return nil, &ValidationError{Field: "campaign_id", Reason: "campaign is not active or scheduled"}
		}
	}

	scheduledAt := time.Now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}

	item := &Item{
		CampaignID:  req.CampaignID,
		ContactID:   req.ContactID,
		Content:     req.Content,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		ScheduledAt: scheduledAt,
	}
	if err := s.store.Insert(ctx, item); err != nil {
		return nil, err
	}

	s.logger.Info("queue item submitted",
		zap.Int64("id", item.ID),
		zap.Int64("contact_id", req.ContactID),
		zap.Int("priority", priority))
	return item, nil
}

// Lease claims up to limit eligible items for dispatch and resolves their
// contact phone numbers.
func (s *Service) Lease(ctx context.Context, limit int) ([]*Item, error) {
	if limit < 1 {
		limit = 1
	}
	items, err := s.store.LeasePending(ctx, limit)
	if err != nil {
		return nil, err
	}
	if err := s.store.AttachContactPhones(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// CompleteSent moves a leased item to sent.
func (s *Service) CompleteSent(ctx context.Context, id int64, externalID string) error {
	return s.store.MarkSent(ctx, id, externalID)
}

// FailAttempt books a failed attempt; transient failures with retries
// remaining are rescheduled with exponential backoff.
func (s *Service) FailAttempt(ctx context.Context, id int64, errMsg string, permanent bool) error {
	status, attempts, err := s.store.FailAttempt(ctx, id, errMsg, permanent, s.backoffUnit)
	if err != nil {
		return err
	}

	if status == StatusFailed {
		s.logger.Error("queue item permanently failed",
			zap.Int64("id", id),
			zap.Int("attempts", attempts),
			zap.String("error", errMsg))
	} else {
		s.logger.Info("queue item scheduled for retry",
			zap.Int64("id", id),
			zap.Int("attempts", attempts))
	}
	return nil
}

// Cancel terminates a pending or processing item; cancelling anything
// already terminal returns false and mutates nothing.
func (s *Service) Cancel(ctx context.Context, id int64, reason string) (bool, error) {
	if reason == "" {
		reason = "Cancelled by user"
	}
	return s.store.Cancel(ctx, id, reason)
}

// ResetForRetry re-queues a failed item at an operator's request.
func (s *Service) ResetForRetry(ctx context.Context, id int64) (bool, error) {
	return s.store.ResetForRetry(ctx, id)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) Cleanup(ctx context.Context, days int) (int64, error) {
	return s.store.Cleanup(ctx, days)
}

func (s *Service) CleanupPreview(ctx context.Context, days int) (*CleanupPreview, error) {
	return s.store.CleanupPreview(ctx, days)
}

func (s *Service) List(ctx context.Context, status *Status, campaignID *int64, limit, offset int) ([]*Item, error) {
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, status, campaignID, limit, offset)
}

// ReapStuck returns leases held longer than the timeout to the queue.
func (s *Service) ReapStuck(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	return s.store.ReapStuck(ctx, leaseTimeout, s.backoffUnit)
}

func (s *Service) Health(ctx context.Context) error {
	return s.store.Health(ctx)
}
