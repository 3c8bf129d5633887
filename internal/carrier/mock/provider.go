// Package mock is a configurable in-process carrier for development and
// tests. It remembers every accepted message so FetchStatus can answer
// status-poller queries.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sms-dispatch/internal/carrier"
)

type Provider struct {
	successRate  float64
	tempFailRate float64
	latencyMs    int

	mu       sync.Mutex
	statuses map[string]string
}

func NewProvider(successRate, tempFailRate, permFailRate float64, latencyMs int) *Provider {
	_ = permFailRate // whatever success and temp-fail leave over
	return &Provider{
		successRate:  successRate,
		tempFailRate: tempFailRate,
		latencyMs:    latencyMs,
		statuses:     make(map[string]string),
	}
}

var partCost = decimal.RequireFromString("0.0450")

func (p *Provider) SendSMS(ctx context.Context, to, body, statusCallbackURL string) (*carrier.SendResult, error) {
	select {
	case <-time.After(time.Duration(p.latencyMs) * time.Millisecond):
	case <-ctx.Done():
		return nil, &carrier.Error{Code: carrier.CodeTimeout, Message: ctx.Err().Error()}
	}

	r := rand.Float64()
	switch {
	case r < p.successRate:
		externalID := "SM" + uuid.NewString()
		p.mu.Lock()
		p.statuses[externalID] = "queued"
		p.mu.Unlock()

		cost := partCost
		return &carrier.SendResult{
			ExternalID:     externalID,
			ProviderStatus: "queued",
			Cost:           &cost,
		}, nil
	case r < p.successRate+p.tempFailRate:
		return nil, &carrier.Error{
			Code:    "20429",
			Message: "temporary network error",
		}
	default:
		return nil, &carrier.Error{
			Code:    "21211",
			Message: fmt.Sprintf("invalid recipient number %s", to),
		}
	}
}

func (p *Provider) FetchStatus(ctx context.Context, externalID string) (*carrier.StatusResult, error) {
	p.mu.Lock()
	status, ok := p.statuses[externalID]
	p.mu.Unlock()

	if !ok {
		return nil, &carrier.Error{Code: "20404", Message: "message not found"}
	}

	return &carrier.StatusResult{
		ExternalID:     externalID,
		ProviderStatus: status,
		Raw:            map[string]string{"MessageSid": externalID, "MessageStatus": status},
	}, nil
}

// SetStatus lets tests and the local DLR simulator move a message through
// the provider-side lifecycle.
func (p *Provider) SetStatus(externalID, providerStatus string) {
	p.mu.Lock()
	p.statuses[externalID] = providerStatus
	p.mu.Unlock()
}
