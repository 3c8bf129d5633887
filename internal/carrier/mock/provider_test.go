package mock

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"sms-dispatch/internal/carrier"
)

func TestSendSMSAlwaysSucceeds(t *testing.T) {
	p := NewProvider(1.0, 0, 0, 0)

	result, err := p.SendSMS(context.Background(), "+33612345678", "hello", "http://cb")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(result.ExternalID, "SM") {
		t.Errorf("Expected SM-prefixed external id, got %s", result.ExternalID)
	}
	if result.ProviderStatus != "queued" {
		t.Errorf("Expected queued, got %s", result.ProviderStatus)
	}
	if result.Cost == nil || !result.Cost.Equal(decimal.RequireFromString("0.045")) {
		t.Errorf("Expected cost 0.045, got %v", result.Cost)
	}
}

func TestSendSMSPermanentFailure(t *testing.T) {
	p := NewProvider(0, 0, 1.0, 0)

	_, err := p.SendSMS(context.Background(), "+33612345678", "hello", "http://cb")
	var cerr *carrier.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected carrier.Error, got %v", err)
	}
	if cerr.Code != "21211" {
		t.Errorf("Expected code 21211, got %s", cerr.Code)
	}
	if !carrier.DefaultPermanent(cerr.Code) {
		t.Error("Expected 21211 to classify as permanent")
	}
}

func TestSendSMSTransientFailure(t *testing.T) {
	p := NewProvider(0, 1.0, 0, 0)

	_, err := p.SendSMS(context.Background(), "+33612345678", "hello", "http://cb")
	var cerr *carrier.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected carrier.Error, got %v", err)
	}
	if carrier.DefaultPermanent(cerr.Code) {
		t.Errorf("Expected transient code, got %s", cerr.Code)
	}
}

func TestFetchStatusTracksLifecycle(t *testing.T) {
	p := NewProvider(1.0, 0, 0, 0)

	result, err := p.SendSMS(context.Background(), "+33612345678", "hello", "http://cb")
	if err != nil {
		t.Fatal(err)
	}

	status, err := p.FetchStatus(context.Background(), result.ExternalID)
	if err != nil {
		t.Fatal(err)
	}
	if status.ProviderStatus != "queued" {
		t.Errorf("Expected queued, got %s", status.ProviderStatus)
	}

	p.SetStatus(result.ExternalID, "delivered")
	status, err = p.FetchStatus(context.Background(), result.ExternalID)
	if err != nil {
		t.Fatal(err)
	}
	if status.ProviderStatus != "delivered" {
		t.Errorf("Expected delivered, got %s", status.ProviderStatus)
	}
}

func TestFetchStatusUnknownMessage(t *testing.T) {
	p := NewProvider(1.0, 0, 0, 0)

	_, err := p.FetchStatus(context.Background(), "SM-missing")
	var cerr *carrier.Error
	if !errors.As(err, &cerr) || cerr.Code != "20404" {
		t.Errorf("Expected carrier error 20404, got %v", err)
	}
}

func TestSendSMSHonorsCancelledContext(t *testing.T) {
	p := NewProvider(1.0, 0, 0, 5000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.SendSMS(ctx, "+33612345678", "hello", "http://cb")
	var cerr *carrier.Error
	if !errors.As(err, &cerr) || cerr.Code != carrier.CodeTimeout {
		t.Errorf("Expected timeout error, got %v", err)
	}
}
