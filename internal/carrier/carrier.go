// Package carrier defines the outbound SMS carrier port. The queue and
// logging layers only see this interface and the error taxonomy; nothing
// above it knows which provider is plugged in.
package carrier

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// SendResult is the carrier's acknowledgement of an accepted message.
type SendResult struct {
	ExternalID     string
	ProviderStatus string
	Cost           *decimal.Decimal
}

// StatusResult is the carrier's view of a previously sent message.
type StatusResult struct {
	ExternalID     string
	ProviderStatus string
	ErrorCode      *string
	ErrorMessage   *string
	Raw            map[string]string
}

// Carrier is the send/query capability set. Implementations must honor the
// context deadline; the dispatcher treats deadline expiry as transient.
type Carrier interface {
	SendSMS(ctx context.Context, to, body, statusCallbackURL string) (*SendResult, error)
	FetchStatus(ctx context.Context, externalID string) (*StatusResult, error)
}

// Error is a carrier-origin failure. Whether it is retried is decided by an
// injected PermanentClassifier, never by the queue layer itself.
type Error struct {
	Code    string
	Message string
	Details map[string]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("carrier error %s: %s", e.Code, e.Message)
}

// PermanentClassifier reports whether a carrier error code is permanent
// (never retried).
type PermanentClassifier func(code string) bool

// Error codes the reference carrier documents as non-retryable.
var permanentCodes = map[string]struct{}{
	"21211": {}, // invalid recipient number
	"21214": {}, // recipient cannot be reached
	"21408": {}, // sending not enabled for region
	"21610": {}, // recipient has unsubscribed
	"30007": {}, // message filtered
	"30008": {}, // message not deliverable
}

// DefaultPermanent classifies the reference carrier's error codes. Every
// code not in the permanent set is treated as transient.
func DefaultPermanent(code string) bool {
	_, ok := permanentCodes[code]
	return ok
}

// CodeTimeout is used for carrier calls that exceeded their deadline.
// Timeouts are always transient.
const CodeTimeout = "TIMEOUT"
