// Package store persists transactions, webhook events, the side-effect ledger
// and transition conflicts. The Store is the single-writer guard: updates are
// compare-and-swap on the transaction version.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/yourorg/payment-reconciler/internal/payment"
)

var (
	// ErrVersionConflict is returned when another writer committed first.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrDuplicateKey is returned when a transaction with the same idempotency key exists.
	ErrDuplicateKey = errors.New("store: duplicate idempotency key")
)

// Filter narrows ListTransactions. Zero values match everything.
type Filter struct {
	PayerID  string
	Provider string
	States   []payment.State
	From     time.Time
	To       time.Time
	Limit    int
}

func (f Filter) matches(t *payment.Transaction) bool {
	if f.PayerID != "" && t.PayerID != f.PayerID {
		return false
	}
	if f.Provider != "" && t.Provider != f.Provider {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if t.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// Store is the persistence contract used by the orchestrator, webhook ingest and sweeper.
type Store interface {
	CreateTransaction(ctx context.Context, t *payment.Transaction) error
	GetTransaction(ctx context.Context, id string) (*payment.Transaction, error)
	GetByReference(ctx context.Context, reference string) (*payment.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*payment.Transaction, error)
	GetByProviderReference(ctx context.Context, provider, providerRef string) (*payment.Transaction, error)
	// UpdateTransaction writes t if the stored version equals expectedVersion
	// and bumps t.Version on success.
	UpdateTransaction(ctx context.Context, t *payment.Transaction, expectedVersion int64) error
	ListTransactions(ctx context.Context, f Filter) ([]*payment.Transaction, error)
	// ListStale returns in-flight transactions last updated before olderThan, oldest first.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*payment.Transaction, error)

	// InsertWebhookEvent inserts a signature-valid event. When the dedupe key
	// already exists it returns inserted=false and the stored event.
	InsertWebhookEvent(ctx context.Context, ev *payment.WebhookEvent) (inserted bool, existing *payment.WebhookEvent, err error)
	// RecordRejectedWebhook keeps an audit row for an event that failed authentication.
	RecordRejectedWebhook(ctx context.Context, ev *payment.WebhookEvent) error
	MarkWebhookProcessed(ctx context.Context, id string, orphan bool, at time.Time) error
	ListOrphanEvents(ctx context.Context, limit int) ([]*payment.WebhookEvent, error)

	EffectLedger

	RecordConflict(ctx context.Context, c payment.Conflict) error
	ListConflicts(ctx context.Context, transactionID string) ([]payment.Conflict, error)

	// ListSettlementGaps returns completed or refunded transactions whose
	// matching effect has no ledger entry.
	ListSettlementGaps(ctx context.Context, limit int) ([]*payment.Transaction, error)
}

// EffectLedger is the side-effect ledger backing the idempotency guard.
type EffectLedger interface {
	// RecordEffect atomically claims (transactionID, effect). created is false
	// when the entry already existed.
	RecordEffect(ctx context.Context, transactionID, effect string, at time.Time) (created bool, err error)
	CompleteEffect(ctx context.Context, transactionID, effect string, at time.Time, effectErr error) error
	GetEffect(ctx context.Context, transactionID, effect string) (*payment.EffectEntry, error)
}

// EffectFor returns the effect a terminal state requires, if any.
func EffectFor(s payment.State) (string, bool) {
	switch s {
	case payment.StateCompleted:
		return payment.EffectSettle, true
	case payment.StateRefunded:
		return payment.EffectRefund, true
	}
	return "", false
}
