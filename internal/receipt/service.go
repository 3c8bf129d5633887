// Package receipt ingests carrier delivery receipts and folds them into
// the message lifecycle log.
package receipt

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"sms-dispatch/internal/observability"
)

// Updater is the slice of the message service receipts need.
type Updater interface {
	UpdateDeliveryStatus(ctx context.Context, externalID, providerStatus string, response map[string]string) (bool, error)
	UpdateDeliveryStatusByID(ctx context.Context, messageID int64, providerStatus string, response map[string]string) (bool, error)
}

var (
	ErrBadSignature  = errors.New("invalid webhook signature")
	ErrMissingFields = errors.New("missing message identifier or status")
)

type Service struct {
	updater  Updater
	verifier SignatureVerifier
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewService(updater Updater, verifier SignatureVerifier, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if verifier == nil {
		verifier = NoopVerifier{}
	}
	return &Service{
		updater:  updater,
		verifier: verifier,
		logger:   logger,
		metrics:  metrics,
	}
}

// Process validates and applies one delivery receipt. The carrier expects
// a 2xx even for messages it knows and we don't, so an unknown external id
// is not an error; it is logged and acknowledged.
func (s *Service) Process(ctx context.Context, url string, params map[string]string, signature string) error {
	if !s.verifier.Verify(url, params, signature) {
		s.count("bad_signature")
		return ErrBadSignature
	}

	externalID := firstValue(params, "MessageSid", "SmsSid")
	status := firstValue(params, "MessageStatus", "SmsStatus")
	if externalID == "" || status == "" {
		s.count("malformed")
		return ErrMissingFields
	}

	found, err := s.updater.UpdateDeliveryStatus(ctx, externalID, status, params)
	if err != nil {
		s.count("error")
		return err
	}
	if !found {
		s.logger.Warn("receipt for unknown message",
			zap.String("external_id", externalID),
			zap.String("provider_status", status))
		s.count("unknown_message")
		return nil
	}

	s.count("applied")
	return nil
}

// ProcessForMessage applies a receipt addressed to one of our message ids,
// the path used by per-message status callbacks.
func (s *Service) ProcessForMessage(ctx context.Context, messageID int64, params map[string]string) (bool, error) {
	status := firstValue(params, "MessageStatus", "SmsStatus")
	if status == "" {
		s.count("malformed")
		return false, ErrMissingFields
	}

	found, err := s.updater.UpdateDeliveryStatusByID(ctx, messageID, status, params)
	if err != nil {
		s.count("error")
		return false, err
	}
	if found {
		s.count("applied")
	} else {
		s.count("unknown_message")
	}
	return found, nil
}

func (s *Service) count(result string) {
	if s.metrics != nil {
		s.metrics.WebhooksTotal.WithLabelValues(result).Inc()
	}
}

func firstValue(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != "" {
			return v
		}
	}
	return ""
}
