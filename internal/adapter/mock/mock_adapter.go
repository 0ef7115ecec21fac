package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/payment"
)

// MockAdapter is a configurable adapter.ProviderAdapter for tests and local runs.
// Each hook falls back to a canned success when nil. Call counts are recorded.
type MockAdapter struct {
	Name          string
	WebhookSecret string

	InitiateFunc func(ctx context.Context, req adapter.InitiateRequest) (adapter.ProviderHandle, error)
	VerifyFunc   func(ctx context.Context, reference string) (adapter.ProviderStatus, error)
	RefundFunc   func(ctx context.Context, reference string, amount int64, reason string) error

	mu            sync.Mutex
	initiateCalls int
	verifyCalls   int
	refundCalls   int
}

// NewMockAdapter creates a new MockAdapter.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{Name: name}
}

// GetName implements the ProviderAdapter interface.
func (m *MockAdapter) GetName() string {
	return m.Name
}

func (m *MockAdapter) Initiate(ctx context.Context, req adapter.InitiateRequest) (adapter.ProviderHandle, error) {
	m.mu.Lock()
	m.initiateCalls++
	m.mu.Unlock()
	if m.InitiateFunc != nil {
		return m.InitiateFunc(ctx, req)
	}
	return adapter.ProviderHandle{Reference: "mock_" + uuid.NewString()}, nil
}

func (m *MockAdapter) Verify(ctx context.Context, reference string) (adapter.ProviderStatus, error) {
	m.mu.Lock()
	m.verifyCalls++
	m.mu.Unlock()
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, reference)
	}
	return adapter.ProviderStatus{Reference: reference, Outcome: payment.OutcomePending, RawStatus: "pending"}, nil
}

func (m *MockAdapter) Refund(ctx context.Context, reference string, amount int64, reason string) error {
	m.mu.Lock()
	m.refundCalls++
	m.mu.Unlock()
	if m.RefundFunc != nil {
		return m.RefundFunc(ctx, reference, amount, reason)
	}
	return nil
}

// Event is the JSON body ParseWebhook understands.
type Event struct {
	EventID   string          `json:"event_id"`
	Reference string          `json:"reference"`
	LocalRef  string          `json:"local_reference,omitempty"`
	Outcome   payment.Outcome `json:"outcome"`
	Amount    int64           `json:"amount,omitempty"`
}

// SignatureHeader carries the hex HMAC of the body when WebhookSecret is set.
const SignatureHeader = "X-Mock-Signature"

// ParseWebhook decodes an Event. When WebhookSecret is set the body must be signed.
func (m *MockAdapter) ParseWebhook(payload []byte, headers http.Header) (adapter.ParsedEvent, error) {
	if m.WebhookSecret != "" && !adapter.VerifyHMAC(m.WebhookSecret, payload, headers.Get(SignatureHeader)) {
		return adapter.ParsedEvent{}, fmt.Errorf("%s: %w", m.Name, payment.ErrInvalidSignature)
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return adapter.ParsedEvent{}, fmt.Errorf("%s: %w: %v", m.Name, payment.ErrMalformedPayload, err)
	}
	if ev.Reference == "" && ev.LocalRef == "" {
		return adapter.ParsedEvent{}, fmt.Errorf("%s: %w: missing reference", m.Name, payment.ErrMalformedPayload)
	}
	eventID := ev.EventID
	if eventID == "" {
		eventID = adapter.FallbackEventID(ev.Reference, string(ev.Outcome), payload)
	}
	return adapter.ParsedEvent{
		EventID:           eventID,
		ProviderReference: ev.Reference,
		LocalReference:    ev.LocalRef,
		Outcome:           ev.Outcome,
		RawStatus:         string(ev.Outcome),
		Amount:            ev.Amount,
	}, nil
}

// InitiateCalls returns how many times Initiate was called.
func (m *MockAdapter) InitiateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initiateCalls
}

// VerifyCalls returns how many times Verify was called.
func (m *MockAdapter) VerifyCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyCalls
}

// RefundCalls returns how many times Refund was called.
func (m *MockAdapter) RefundCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refundCalls
}
