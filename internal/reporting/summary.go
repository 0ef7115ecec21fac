// Package reporting summarizes transactions for reconciliation and for
// payer statements.
package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/yourorg/payment-reconciler/internal/payment"
	"github.com/yourorg/payment-reconciler/internal/store"
)

// MaxRows bounds how many transactions a single report reads.
const MaxRows = 10000

// TransactionLister is the store subset reports read from.
type TransactionLister interface {
	ListTransactions(ctx context.Context, f store.Filter) ([]*payment.Transaction, error)
}

// Period selects the transactions a report covers, by creation time.
// Zero bounds are open.
type Period struct {
	From    time.Time
	To      time.Time
	PayerID string
}

// Summary is the reconciliation view over a period.
type Summary struct {
	From    time.Time `json:"from,omitempty"`
	To      time.Time `json:"to,omitempty"`
	PayerID string    `json:"payer_id,omitempty"`

	Total   int                   `json:"total"`
	ByState map[payment.State]int `json:"by_state"`
	// Settled sums completed amounts; refunded ones are reported separately.
	SettledByCurrency  map[string]int64 `json:"settled_by_currency"`
	FeesByCurrency     map[string]int64 `json:"fees_by_currency"`
	RefundedByCurrency map[string]int64 `json:"refunded_by_currency"`
	ProviderUsage      map[string]int   `json:"provider_usage"`
	FailureReasons     map[string]int   `json:"failure_reasons"`
	// Truncated is set when the period held more than MaxRows transactions.
	Truncated bool `json:"truncated,omitempty"`
}

// PayerSummary is a payer's statement over a period.
type PayerSummary struct {
	PayerID       string           `json:"payer_id"`
	Count         int              `json:"count"`
	Completed     int              `json:"completed"`
	TotalPaid     map[string]int64 `json:"total_paid"`
	TotalFees     map[string]int64 `json:"total_fees"`
	LastPaymentAt *time.Time       `json:"last_payment_at,omitempty"`
}

func newSummary(p Period) *Summary {
	return &Summary{
		From:               p.From,
		To:                 p.To,
		PayerID:            p.PayerID,
		ByState:            make(map[payment.State]int),
		SettledByCurrency:  make(map[string]int64),
		FeesByCurrency:     make(map[string]int64),
		RefundedByCurrency: make(map[string]int64),
		ProviderUsage:      make(map[string]int),
		FailureReasons:     make(map[string]int),
	}
}

// Summarize folds txs into a Summary for p. It does not filter txs.
func Summarize(p Period, txs []*payment.Transaction) *Summary {
	s := newSummary(p)
	for _, t := range txs {
		s.Total++
		s.ByState[t.State]++
		if t.Provider != "" {
			s.ProviderUsage[t.Provider]++
		}
		switch t.State {
		case payment.StateCompleted:
			s.SettledByCurrency[t.Currency] += t.Amount
			s.FeesByCurrency[t.Currency] += t.Fee
		case payment.StateRefunded:
			amount := t.RefundAmount
			if amount == 0 {
				amount = t.Amount
			}
			s.RefundedByCurrency[t.Currency] += amount
		case payment.StateFailed, payment.StateExpired:
			if t.FailureReason != "" {
				s.FailureReasons[t.FailureReason]++
			}
		}
	}
	return s
}

// Reporter builds reports from the store.
type Reporter struct {
	store TransactionLister
}

// NewReporter creates a Reporter.
func NewReporter(l TransactionLister) *Reporter {
	return &Reporter{store: l}
}

// Summary reports on every transaction created within p.
func (r *Reporter) Summary(ctx context.Context, p Period) (*Summary, error) {
	if !p.From.IsZero() && !p.To.IsZero() && !p.From.Before(p.To) {
		return nil, fmt.Errorf("reporting: %w: from must be before to", payment.ErrValidation)
	}
	txs, err := r.store.ListTransactions(ctx, store.Filter{
		PayerID: p.PayerID,
		From:    p.From,
		To:      p.To,
		Limit:   MaxRows + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("reporting: list transactions: %w", err)
	}
	truncated := len(txs) > MaxRows
	if truncated {
		txs = txs[:MaxRows]
	}
	s := Summarize(p, txs)
	s.Truncated = truncated
	return s, nil
}

// PayerSummary reports what payerID paid within [from, to).
func (r *Reporter) PayerSummary(ctx context.Context, payerID string, from, to time.Time) (*PayerSummary, error) {
	if payerID == "" {
		return nil, fmt.Errorf("reporting: %w: payer id is required", payment.ErrValidation)
	}
	txs, err := r.store.ListTransactions(ctx, store.Filter{PayerID: payerID, From: from, To: to, Limit: MaxRows})
	if err != nil {
		return nil, fmt.Errorf("reporting: list transactions: %w", err)
	}
	ps := &PayerSummary{
		PayerID:   payerID,
		TotalPaid: make(map[string]int64),
		TotalFees: make(map[string]int64),
	}
	for _, t := range txs {
		ps.Count++
		if t.State != payment.StateCompleted {
			continue
		}
		ps.Completed++
		ps.TotalPaid[t.Currency] += t.Amount
		ps.TotalFees[t.Currency] += t.Fee
		if t.CompletedAt != nil && (ps.LastPaymentAt == nil || t.CompletedAt.After(*ps.LastPaymentAt)) {
			at := *t.CompletedAt
			ps.LastPaymentAt = &at
		}
	}
	return ps, nil
}
