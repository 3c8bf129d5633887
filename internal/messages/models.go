package messages

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MessageStatus is the delivery-lifecycle state of a message. delivered,
// failed and bounced are terminal; once final_status is set it never
// reverts.
type MessageStatus string

const (
	StatusPending      MessageStatus = "pending"
	StatusProcessing   MessageStatus = "processing"
	StatusSent         MessageStatus = "sent"
	StatusDelivered    MessageStatus = "delivered"
	StatusFailed       MessageStatus = "failed"
	StatusBounced      MessageStatus = "bounced"
	StatusRetryPending MessageStatus = "retry_pending"
)

func (s MessageStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusBounced
}

// foldFinalStatus applies the write-once rule for a message's terminal
// verdict: the first terminal status observed wins and later reports never
// change it.
func foldFinalStatus(current *MessageStatus, incoming MessageStatus) *MessageStatus {
	if current != nil {
		return current
	}
	if incoming.Terminal() {
		return &incoming
	}
	return nil
}

// EventType classifies one entry in a message's lifecycle log.
type EventType string

const (
	EventMessageCreated EventType = "message_created"
	EventSent           EventType = "sent"
	EventSendFailed     EventType = "send_failed"
	EventDeliveryUpdate EventType = "delivery_update"
)

// StatusFromProvider maps a carrier status string into the internal
// taxonomy. Unknown statuses pass through unchanged.
func StatusFromProvider(providerStatus string) MessageStatus {
	switch strings.ToLower(providerStatus) {
	case "queued", "sending", "sent":
		return StatusSent
	case "delivered", "read":
		return StatusDelivered
	case "failed", "undelivered":
		return StatusFailed
	default:
		return MessageStatus(strings.ToLower(providerStatus))
	}
}

// Message is the persistent record of a dispatch outcome for one queue
// item. Cost stays decimal through the service layer and is widened to
// float only at JSON serialization.
type Message struct {
	ID                int64            `json:"id"`
	Content           string           `json:"content"`
	SentAt            time.Time        `json:"date_sent"`
	DeliveryStatus    MessageStatus    `json:"status"`
	SenderID          string           `json:"sender_id"`
	FinalStatus       *MessageStatus   `json:"final_status,omitempty"`
	DeliveryAttempts  int              `json:"delivery_attempts"`
	DeliveredAt       *time.Time       `json:"delivered_at,omitempty"`
	ExternalMessageID *string          `json:"external_message_id,omitempty"`
	ErrorMessage      *string          `json:"error_message,omitempty"`
	Cost              *decimal.Decimal `json:"cost,omitempty"`
	ContactID         int64            `json:"contact_id"`
	CampaignID        *int64           `json:"campaign_id,omitempty"`
	ListID            *int64           `json:"list_id,omitempty"`
	QueueItemID       *int64           `json:"queue_item_id,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// MessageLog is one immutable event in a message's lifecycle. Rows for a
// message are totally ordered by created_at with attempt_number equal to
// the 1-based rank.
type MessageLog struct {
	ID                int64            `json:"id"`
	MessageID         int64            `json:"message_id"`
	QueueItemID       *int64           `json:"queue_item_id,omitempty"`
	Status            MessageStatus    `json:"status"`
	EventType         EventType        `json:"event_type"`
	ProviderStatus    *string          `json:"provider_status,omitempty"`
	ProviderResponse  json.RawMessage  `json:"provider_response,omitempty"`
	ErrorCode         *string          `json:"error_code,omitempty"`
	ErrorMessage      *string          `json:"error_message,omitempty"`
	AttemptNumber     int              `json:"attempt_number"`
	ExternalMessageID *string          `json:"external_message_id,omitempty"`
	Cost              *decimal.Decimal `json:"cost,omitempty"`
	ProcessingMs      *int64           `json:"processing_duration,omitempty"`
	CreatedAt         time.Time        `json:"timestamp"`
}

// Event carries the inputs for one log append.
type Event struct {
	MessageID        int64
	QueueItemID      *int64
	Status           MessageStatus
	Type             EventType
	ProviderStatus   *string
	ProviderResponse map[string]any
	ErrorCode        *string
	ErrorMessage     *string
	ExternalID       *string
	Cost             *decimal.Decimal
	ProcessingMs     *int64
}

// CampaignStats aggregates delivery outcomes for one campaign.
type CampaignStats struct {
	TotalMessages      int64            `json:"total_messages"`
	StatusBreakdown    map[string]int64 `json:"status_breakdown"`
	DeliveryRatePct    float64          `json:"delivery_rate"`
	AvgDeliverySeconds float64          `json:"average_delivery_time"`
	TotalCost          decimal.Decimal  `json:"total_cost"`
	RetryRatePct       float64          `json:"retry_rate"`
	ErrorSummary       map[string]int64 `json:"error_summary"`
}

var ErrNotFound = errors.New("message not found")
