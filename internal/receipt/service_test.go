package receipt

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type stubUpdater struct {
	externalID string
	messageID  int64
	status     string
	found      bool
	err        error
}

func (s *stubUpdater) UpdateDeliveryStatus(ctx context.Context, externalID, providerStatus string, response map[string]string) (bool, error) {
	s.externalID = externalID
	s.status = providerStatus
	return s.found, s.err
}

func (s *stubUpdater) UpdateDeliveryStatusByID(ctx context.Context, messageID int64, providerStatus string, response map[string]string) (bool, error) {
	s.messageID = messageID
	s.status = providerStatus
	return s.found, s.err
}

func newTestService(u *stubUpdater, verifier SignatureVerifier) *Service {
	return NewService(u, verifier, zap.NewNop(), nil)
}

// sign builds a signature the way the carrier does.
func sign(secret, url string, params map[string]string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(url))
	keys := sortedKeys(params)
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params[k]))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	return keys
}

func TestHMACVerifierAcceptsValidSignature(t *testing.T) {
	params := map[string]string{"MessageSid": "SM1", "MessageStatus": "delivered"}
	url := "https://example.com/api/v1/webhooks/sms/delivery"
	sig := sign("secret", url, params)

	v := NewHMACVerifier("secret")
	if !v.Verify(url, params, sig) {
		t.Error("Expected valid signature to verify")
	}
	if v.Verify(url, params, "bogus") {
		t.Error("Expected bogus signature to fail")
	}
	if v.Verify(url, map[string]string{"MessageSid": "SM2"}, sig) {
		t.Error("Expected tampered params to fail")
	}
}

func TestProcessAppliesReceipt(t *testing.T) {
	u := &stubUpdater{found: true}
	svc := newTestService(u, NoopVerifier{})

	err := svc.Process(context.Background(), "http://x", map[string]string{
		"MessageSid":    "SM1",
		"MessageStatus": "delivered",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if u.externalID != "SM1" || u.status != "delivered" {
		t.Errorf("Expected SM1/delivered, got %s/%s", u.externalID, u.status)
	}
}

func TestProcessPrefersMessageSidOverSmsSid(t *testing.T) {
	u := &stubUpdater{found: true}
	svc := newTestService(u, NoopVerifier{})

	err := svc.Process(context.Background(), "http://x", map[string]string{
		"MessageSid":    "SM-primary",
		"SmsSid":        "SM-legacy",
		"MessageStatus": "sent",
		"SmsStatus":     "queued",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if u.externalID != "SM-primary" {
		t.Errorf("Expected MessageSid to win, got %s", u.externalID)
	}
	if u.status != "sent" {
		t.Errorf("Expected MessageStatus to win, got %s", u.status)
	}
}

func TestProcessFallsBackToSmsFields(t *testing.T) {
	u := &stubUpdater{found: true}
	svc := newTestService(u, NoopVerifier{})

	err := svc.Process(context.Background(), "http://x", map[string]string{
		"SmsSid":    "SM-legacy",
		"SmsStatus": "delivered",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if u.externalID != "SM-legacy" || u.status != "delivered" {
		t.Errorf("Expected legacy fields, got %s/%s", u.externalID, u.status)
	}
}

func TestProcessRejectsMissingFields(t *testing.T) {
	svc := newTestService(&stubUpdater{}, NoopVerifier{})

	err := svc.Process(context.Background(), "http://x", map[string]string{"MessageSid": "SM1"}, "")
	if !errors.Is(err, ErrMissingFields) {
		t.Errorf("Expected ErrMissingFields, got %v", err)
	}

	err = svc.Process(context.Background(), "http://x", map[string]string{"MessageStatus": "sent"}, "")
	if !errors.Is(err, ErrMissingFields) {
		t.Errorf("Expected ErrMissingFields, got %v", err)
	}
}

func TestProcessRejectsBadSignature(t *testing.T) {
	svc := newTestService(&stubUpdater{}, NewHMACVerifier("secret"))

	err := svc.Process(context.Background(), "http://x", map[string]string{
		"MessageSid":    "SM1",
		"MessageStatus": "delivered",
	}, "forged")
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected ErrBadSignature, got %v", err)
	}
}

func TestProcessUnknownMessageIsAcknowledged(t *testing.T) {
	svc := newTestService(&stubUpdater{found: false}, NoopVerifier{})

	err := svc.Process(context.Background(), "http://x", map[string]string{
		"MessageSid":    "SM-lost",
		"MessageStatus": "delivered",
	}, "")
	if err != nil {
		t.Errorf("Expected nil error for an unknown message, got %v", err)
	}
}

func TestProcessForMessage(t *testing.T) {
	u := &stubUpdater{found: true}
	svc := newTestService(u, NoopVerifier{})

	found, err := svc.ProcessForMessage(context.Background(), 42, map[string]string{
		"MessageStatus": "delivered",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !found || u.messageID != 42 {
		t.Errorf("Expected message 42 found, got found=%v id=%d", found, u.messageID)
	}

	_, err = svc.ProcessForMessage(context.Background(), 42, map[string]string{})
	if !errors.Is(err, ErrMissingFields) {
		t.Errorf("Expected ErrMissingFields for empty body, got %v", err)
	}
}
