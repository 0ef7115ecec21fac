// Package adapter defines the uniform contract every payment network is
// reached through, plus the helpers the concrete adapters share.
package adapter

import (
	"context"
	"net/http"

	"github.com/yourorg/payment-reconciler/internal/payment"
)

// InitiateRequest is what an adapter needs to start a payment.
type InitiateRequest struct {
	TransactionID string
	Reference     string
	Amount        int64
	Currency      string
	Description   string
	Payer         payment.Contact
}

// ProviderHandle is the provider's acknowledgement of an initiated payment.
type ProviderHandle struct {
	Reference    string
	RedirectURL  string // set by hosted-checkout providers
	Instructions string // shown to the payer, e.g. how to approve a prompt
}

// ProviderStatus is the result of a verify call.
type ProviderStatus struct {
	Reference string
	Outcome   payment.Outcome
	RawStatus string
}

// ParsedEvent is an authenticated, normalized webhook notification.
type ParsedEvent struct {
	EventID           string
	ProviderReference string
	// LocalReference is our own reference when the provider echoes it back.
	LocalReference string
	Outcome        payment.Outcome
	RawStatus      string
	Amount         int64
}

// ProviderAdapter is implemented once per payment network.
type ProviderAdapter interface {
	// GetName returns the provider identifier used in routing and storage.
	GetName() string
	// Initiate starts a payment. Errors wrap payment.ErrProviderUnavailable or
	// payment.ErrInvalidRequest.
	Initiate(ctx context.Context, req InitiateRequest) (ProviderHandle, error)
	// Verify asks the provider for the current status of reference.
	Verify(ctx context.Context, reference string) (ProviderStatus, error)
	// ParseWebhook authenticates and parses a notification. Errors wrap
	// payment.ErrInvalidSignature or payment.ErrMalformedPayload.
	ParseWebhook(payload []byte, headers http.Header) (ParsedEvent, error)
}

// Refunder is implemented by adapters whose provider exposes a refund API.
type Refunder interface {
	Refund(ctx context.Context, reference string, amount int64, reason string) error
}

// Validator is implemented by adapters with provider-specific request
// requirements, checked before any transaction is created.
type Validator interface {
	ValidateRequest(req InitiateRequest) error
}
