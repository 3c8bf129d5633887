package messages

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sms-dispatch/internal/events"
	"sms-dispatch/internal/queue"
)

// Notifier fans lifecycle events out to interested consumers. Publishing
// is best effort and never blocks delivery bookkeeping.
type Notifier interface {
	MessageEvent(subject string, payload any)
}

// Service owns the delivery-lifecycle log. All status knowledge about a
// message flows through here so the aggregate and its log stay coherent.
type Service struct {
	store    *Store
	logger   *zap.Logger
	senderID string
	notifier Notifier
}

func NewService(store *Store, logger *zap.Logger, senderID string, notifier Notifier) *Service {
	return &Service{
		store:    store,
		logger:   logger,
		senderID: senderID,
		notifier: notifier,
	}
}

// CreateMessage opens the lifecycle record on a queue item's first
// dispatch attempt and books the message_created event. Redispatched
// items reuse the existing record, so one queue item maps to one message
// no matter how many attempts it takes.
func (s *Service) CreateMessage(ctx context.Context, item *queue.Item, initial MessageStatus) (*Message, error) {
	existing, err := s.store.GetByQueueItemID(ctx, item.ID)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if existing != nil {
		s.logger.Debug("reusing message record for redispatch",
			zap.Int64("message_id", existing.ID),
			zap.Int64("queue_item_id", item.ID))
		return existing, nil
	}

	m := &Message{
		Content:        item.Content,
		SentAt:         time.Now().UTC(),
		DeliveryStatus: initial,
		SenderID:       s.senderID,
		ContactID:      item.ContactID,
		CampaignID:     item.CampaignID,
		QueueItemID:    &item.ID,
	}
	if err := s.store.Insert(ctx, m); err != nil {
		return nil, err
	}

	_, err = s.store.AppendEvent(ctx, Event{
		MessageID:   m.ID,
		QueueItemID: &item.ID,
		Status:      initial,
		Type:        EventMessageCreated,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LogEvent appends one lifecycle event and folds it into the message.
func (s *Service) LogEvent(ctx context.Context, ev Event) (*MessageLog, error) {
	log, err := s.store.AppendEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("message event logged",
		zap.Int64("message_id", ev.MessageID),
		zap.String("status", string(ev.Status)),
		zap.String("event_type", string(ev.Type)),
		zap.Int("attempt", log.AttemptNumber))
	return log, nil
}

// UpdateDeliveryStatus applies a carrier-side status report, found via the
// carrier's message identifier. Returns false when no message carries that
// identifier. Terminal messages still accept log rows; the aggregate's
// final_status stays frozen.
func (s *Service) UpdateDeliveryStatus(ctx context.Context, externalID, providerStatus string, response map[string]string) (bool, error) {
	m, err := s.store.GetByExternalID(ctx, externalID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, s.applyDeliveryUpdate(ctx, m, providerStatus, response)
}

// UpdateDeliveryStatusByID is the same fold keyed by our own message id,
// for carriers that echo the callback URL instead of their identifier.
func (s *Service) UpdateDeliveryStatusByID(ctx context.Context, messageID int64, providerStatus string, response map[string]string) (bool, error) {
	m, err := s.store.GetByID(ctx, messageID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, s.applyDeliveryUpdate(ctx, m, providerStatus, response)
}

func (s *Service) applyDeliveryUpdate(ctx context.Context, m *Message, providerStatus string, response map[string]string) error {
	status := StatusFromProvider(providerStatus)

	ev := Event{
		MessageID:      m.ID,
		QueueItemID:    m.QueueItemID,
		Status:         status,
		Type:           EventDeliveryUpdate,
		ProviderStatus: &providerStatus,
	}
	if len(response) > 0 {
		ev.ProviderResponse = make(map[string]any, len(response))
		for k, v := range response {
			ev.ProviderResponse[k] = v
		}
	}
	if code := firstValue(response, "ErrorCode", "error_code"); code != "" {
		ev.ErrorCode = &code
	}
	if errMsg := firstValue(response, "ErrorMessage", "error_message"); errMsg != "" {
		ev.ErrorMessage = &errMsg
	}
	if price := firstValue(response, "Price", "price"); price != "" {
		if d, err := decimal.NewFromString(price); err == nil {
			abs := d.Abs()
			ev.Cost = &abs
		}
	}

	if _, err := s.store.AppendEvent(ctx, ev); err != nil {
		return err
	}

	s.logger.Info("delivery status updated",
		zap.Int64("message_id", m.ID),
		zap.String("provider_status", providerStatus),
		zap.String("status", string(status)))
	if s.notifier != nil {
		s.notifier.MessageEvent(events.SubjectReceipt, map[string]any{
			"message_id":      m.ID,
			"status":          status,
			"provider_status": providerStatus,
		})
	}
	return nil
}

func firstValue(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

func (s *Service) Get(ctx context.Context, id int64) (*Message, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) Timeline(ctx context.Context, messageID int64) (*Message, []*MessageLog, error) {
	m, err := s.store.GetByID(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	logs, err := s.store.Timeline(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	return m, logs, nil
}

func (s *Service) CampaignStats(ctx context.Context, campaignID int64) (*CampaignStats, error) {
	return s.store.CampaignStats(ctx, campaignID)
}

func (s *Service) FailedForRetry(ctx context.Context, campaignID *int64, limit int) ([]*Message, error) {
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	return s.store.FailedForRetry(ctx, campaignID, limit)
}

func (s *Service) SentForPolling(ctx context.Context, window time.Duration, limit int) ([]*Message, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if limit < 1 {
		limit = 500
	}
	return s.store.SentForPolling(ctx, window, limit)
}
