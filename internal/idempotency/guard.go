// Package idempotency runs named side effects at most once per transaction.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/payment-reconciler/internal/observability"
	"github.com/yourorg/payment-reconciler/internal/store"
)

// Guard claims (transaction_id, effect_name) in the effect ledger before
// running an effect. A claimed effect is never run again, even when the first
// run failed: the failure is recorded on the ledger entry for operators.
type Guard struct {
	ledger store.EffectLedger
	logger *observability.Logger
	now    func() time.Time
}

// NewGuard returns a Guard backed by ledger.
func NewGuard(ledger store.EffectLedger, logger *observability.Logger) *Guard {
	return &Guard{ledger: ledger, logger: logger, now: time.Now}
}

// Execute runs fn only if this call created the ledger entry. executed reports
// whether fn ran; err carries fn's error or a ledger failure.
func (g *Guard) Execute(ctx context.Context, transactionID, effect string, fn func(context.Context) error) (executed bool, err error) {
	created, err := g.ledger.RecordEffect(ctx, transactionID, effect, g.now().UTC())
	if err != nil {
		return false, fmt.Errorf("idempotency: claim %s for %s: %w", effect, transactionID, err)
	}
	if !created {
		observability.EffectsTotal.WithLabelValues(effect, "skipped").Inc()
		g.logger.WithContext(ctx).Debug("effect already claimed",
			slog.String("transaction_id", transactionID), slog.String("effect", effect))
		return false, nil
	}

	effectErr := fn(ctx)
	result := "ok"
	if effectErr != nil {
		result = "error"
		g.logger.WithContext(ctx).Error("effect failed",
			slog.String("transaction_id", transactionID), slog.String("effect", effect),
			slog.Any("error", effectErr))
	}
	observability.EffectsTotal.WithLabelValues(effect, result).Inc()

	if err := g.ledger.CompleteEffect(ctx, transactionID, effect, g.now().UTC(), effectErr); err != nil {
		g.logger.WithContext(ctx).Error("failed to complete effect ledger entry",
			slog.String("transaction_id", transactionID), slog.String("effect", effect),
			slog.Any("error", err))
	}
	return true, effectErr
}
