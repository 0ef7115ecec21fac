// Package payment holds the transaction model shared by every component of the
// reconciler: lifecycle states, the transition table, provider outcomes, the
// error taxonomy and the settlement events emitted to the rest of the platform.
package payment

import (
	"time"
)

// State is the lifecycle state of a Transaction.
type State string

const (
	StateCreated             State = "created"
	StateInitiated           State = "initiated"
	StatePendingConfirmation State = "pending_confirmation"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
	StateRefunded            State = "refunded"
	StateExpired             State = "expired"
)

// IsTerminal reports whether no transition may leave s, except completed -> refunded.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRefunded, StateExpired:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// InFlight reports whether the transaction is waiting on the provider.
func (s State) InFlight() bool {
	return s == StateInitiated || s == StatePendingConfirmation
}

var transitions = map[State][]State{
	StateCreated:             {StateInitiated, StateFailed},
	StateInitiated:           {StatePendingConfirmation, StateCompleted, StateFailed, StateExpired},
	StatePendingConfirmation: {StateCompleted, StateFailed, StateExpired},
	StateCompleted:           {StateRefunded},
	StateFailed:              {},
	StateRefunded:            {},
	StateExpired:             {},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Purpose is what the money is for. It drives the platform fee.
type Purpose string

const (
	PurposeRent    Purpose = "rent"
	PurposeDeposit Purpose = "deposit"
	PurposeService Purpose = "service"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeRent, PurposeDeposit, PurposeService:
		return true
	}
	return false
}

// Source identifies who drove a transition.
type Source string

const (
	SourceRequest Source = "request"
	SourceWebhook Source = "webhook"
	SourceSweeper Source = "sweeper"
)

// Failure reasons recorded on failed and expired transactions.
const (
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonInvalidRequest      = "invalid_request"
	ReasonDeclined            = "declined"
	ReasonCancelled           = "cancelled"
	ReasonMaxAgeExceeded      = "max_pending_age_exceeded"
)

// Contact is the payer's contact data forwarded to the provider.
type Contact struct {
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// HistoryEntry is one step in a transaction's ordered state history.
type HistoryEntry struct {
	State  State     `json:"state"`
	Reason string    `json:"reason,omitempty"`
	Source Source    `json:"source"`
	At     time.Time `json:"at"`
}

// Transaction is one attempt to move money for a payer against one provider.
// Amounts are integer minor units of Currency.
type Transaction struct {
	ID                string
	Reference         string
	PayerID           string
	Payer             Contact
	Amount            int64
	Fee               int64
	NetAmount         int64
	Currency          string
	Purpose           Purpose
	CorrelationID     string
	Description       string
	Provider          string
	ProviderReference string
	RedirectURL       string
	Instructions      string
	State             State
	FailureReason     string
	RefundReason      string
	RefundAmount      int64
	History           []HistoryEntry
	IdempotencyKey    string
	RequestHash       string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// Clone returns a deep copy so callers never share the history slice.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.History = append([]HistoryEntry(nil), t.History...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Apply moves t to the given state and appends the history entry. It does not
// check the transition table; callers do that first with CanTransition.
func (t *Transaction) Apply(to State, reason string, source Source, at time.Time) {
	t.State = to
	t.UpdatedAt = at
	t.History = append(t.History, HistoryEntry{State: to, Reason: reason, Source: source, At: at})
	switch to {
	case StateFailed, StateExpired:
		t.FailureReason = reason
	case StateCompleted:
		completed := at
		t.CompletedAt = &completed
	}
}

// LastSource returns the source of the most recent history entry.
func (t *Transaction) LastSource() Source {
	if len(t.History) == 0 {
		return SourceRequest
	}
	return t.History[len(t.History)-1].Source
}

// View is the externally visible shape of a Transaction.
type View struct {
	ID                string         `json:"id"`
	Reference         string         `json:"reference"`
	PayerID           string         `json:"payer_id"`
	Amount            int64          `json:"amount"`
	Fee               int64          `json:"fee"`
	NetAmount         int64          `json:"net_amount"`
	Currency          string         `json:"currency"`
	Purpose           Purpose        `json:"purpose"`
	CorrelationID     string         `json:"correlation_id"`
	Provider          string         `json:"provider"`
	ProviderReference string         `json:"provider_reference,omitempty"`
	RedirectURL       string         `json:"redirect_url,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	State             State          `json:"state"`
	FailureReason     string         `json:"failure_reason,omitempty"`
	RefundReason      string         `json:"refund_reason,omitempty"`
	RefundAmount      int64          `json:"refund_amount,omitempty"`
	History           []HistoryEntry `json:"history"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// View projects t for callers outside the reconciler.
func (t *Transaction) View() View {
	c := t.Clone()
	return View{
		ID:                c.ID,
		Reference:         c.Reference,
		PayerID:           c.PayerID,
		Amount:            c.Amount,
		Fee:               c.Fee,
		NetAmount:         c.NetAmount,
		Currency:          c.Currency,
		Purpose:           c.Purpose,
		CorrelationID:     c.CorrelationID,
		Provider:          c.Provider,
		ProviderReference: c.ProviderReference,
		RedirectURL:       c.RedirectURL,
		Instructions:      c.Instructions,
		State:             c.State,
		FailureReason:     c.FailureReason,
		RefundReason:      c.RefundReason,
		RefundAmount:      c.RefundAmount,
		History:           c.History,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
		CompletedAt:       c.CompletedAt,
	}
}

// WebhookEvent is a received provider notification. Signature-valid events
// are unique on (Provider, ExternalEventID).
type WebhookEvent struct {
	ID                string
	Provider          string
	ExternalEventID   string
	ProviderReference string
	RawStatus         string
	Payload           []byte
	SignatureValid    bool
	Processed         bool
	Orphan            bool
	ReceivedAt        time.Time
	ProcessedAt       *time.Time
}

// Effect names recorded in the side-effect ledger.
const (
	EffectSettle = "settle"
	EffectRefund = "refund"
)

// EffectEntry records that a named side effect was claimed for a transaction.
type EffectEntry struct {
	TransactionID string
	Effect        string
	ExecutedAt    time.Time
	CompletedAt   *time.Time
	Error         string
}

// Conflict is a discarded transition attempt, kept for operators.
type Conflict struct {
	TransactionID  string    `json:"transaction_id"`
	CurrentState   State     `json:"current_state"`
	AttemptedState State     `json:"attempted_state"`
	Source         Source    `json:"source"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}
