package queue

import (
	"errors"
	"fmt"
	"time"
)

// Status is the queue-item lifecycle state. sent, failed and cancelled are
// terminal and never revert.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Item is one pending send unit, addressed by (campaign, contact).
type Item struct {
	ID                int64      `json:"id"`
	CampaignID        *int64     `json:"campaign_id,omitempty"`
	ContactID         int64      `json:"contact_id"`
	ContactPhone      string     `json:"contact_phone,omitempty"`
	Content           string     `json:"message_content"`
	Priority          int        `json:"priority"`
	Status            Status     `json:"status"`
	Attempts          int        `json:"attempts"`
	MaxAttempts       int        `json:"max_attempts"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	ExternalMessageID *string    `json:"external_message_id,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Stats is the queue's operational snapshot for monitoring.
type Stats struct {
	StatusCounts         map[Status]int64 `json:"status_counts"`
	PriorityDistribution map[int]int64    `json:"priority_distribution"`
	AvgProcessingSeconds float64          `json:"avg_processing_time_seconds"`
	FailedCount          int64            `json:"failed_messages"`
	FutureScheduled      int64            `json:"future_scheduled"`
}

// SuccessRate is sent/(sent+failed) as a percentage, 100 when nothing has
// reached a sent or failed state yet.
func (s *Stats) SuccessRate() float64 {
	sent := s.StatusCounts[StatusSent]
	failed := s.StatusCounts[StatusFailed]
	if sent+failed == 0 {
		return 100
	}
	return float64(sent) / float64(sent+failed) * 100
}

// CleanupPreview counts what a cleanup run would delete, by status.
type CleanupPreview struct {
	SentRecords      int64 `json:"sent_records"`
	FailedRecords    int64 `json:"failed_records"`
	CancelledRecords int64 `json:"cancelled_records"`
	TotalRecords     int64 `json:"total_records"`
}

var (
	ErrNotFound       = errors.New("queue item not found")
	ErrNotCancellable = errors.New("queue item is not cancellable")
	ErrNotRetryable   = errors.New("queue item is not retryable")
	ErrInvalidState   = errors.New("queue item is not in the expected state")
)

// ValidationError rejects a submit request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
