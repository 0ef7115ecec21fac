package payment

import (
	"time"

	"github.com/google/uuid"
)

// Event types published to the rest of the platform.
const (
	EventSettled  = "transaction.settled"
	EventRefunded = "transaction.refunded"
)

// StateEventType is the notification type emitted when a transaction reaches s.
func StateEventType(s State) string {
	return "transaction." + string(s)
}

// Event is the uniform settlement notification consumed by collaborators.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	TransactionID string    `json:"transaction_id"`
	Reference     string    `json:"reference"`
	PayerID       string    `json:"payer_id"`
	CorrelationID string    `json:"correlation_id"`
	Purpose       Purpose   `json:"purpose"`
	Provider      string    `json:"provider"`
	State         State     `json:"state"`
	Amount        int64     `json:"amount"`
	Fee           int64     `json:"fee"`
	Currency      string    `json:"currency"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewEvent builds an event of the given type from the transaction's current state.
func NewEvent(eventType string, t *Transaction, at time.Time) Event {
	reason := t.FailureReason
	if t.State == StateRefunded {
		reason = t.RefundReason
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		TransactionID: t.ID,
		Reference:     t.Reference,
		PayerID:       t.PayerID,
		CorrelationID: t.CorrelationID,
		Purpose:       t.Purpose,
		Provider:      t.Provider,
		State:         t.State,
		Amount:        t.Amount,
		Fee:           t.Fee,
		Currency:      t.Currency,
		Reason:        reason,
		OccurredAt:    at,
	}
}
