package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/payment-reconciler/internal/observability"
	"github.com/yourorg/payment-reconciler/internal/payment"
	"github.com/yourorg/payment-reconciler/internal/policy"
	"github.com/yourorg/payment-reconciler/internal/reqctx"
	"github.com/yourorg/payment-reconciler/internal/store"
)

// TransitionResult reports what a transition attempt did.
type TransitionResult struct {
	Transaction payment.View
	// Applied is true when this call committed the transition.
	Applied bool
	// Conflict is true when the attempt was discarded and recorded.
	Conflict bool
}

type transitionRequest struct {
	id     string
	to     payment.State
	reason string
	source payment.Source
	// mutate sets fields that accompany the transition.
	mutate func(t *payment.Transaction)
}

// transition is the single write path for transaction state. It reads the
// current row, checks the transition table and commits with a version check.
// A lost race re-reads and re-checks; an attempt the state machine forbids is
// recorded as a Conflict and returned without error.
func (o *Orchestrator) transition(ctx context.Context, tr transitionRequest) (TransitionResult, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.transition", trace.WithAttributes(
		attribute.String("payment.transaction_id", tr.id),
		attribute.String("payment.to", string(tr.to)),
		attribute.String("payment.source", string(tr.source)),
	))
	defer span.End()

	for attempt := 1; attempt <= o.cfg.MaxTransitionAttempts; attempt++ {
		t, err := o.store.GetTransaction(ctx, tr.id)
		if err != nil {
			return TransitionResult{}, err
		}
		if t.State == tr.to && !tr.to.IsTerminal() {
			// Repeated non-terminal report, e.g. a second "pending".
			return TransitionResult{Transaction: t.View()}, nil
		}
		if !payment.CanTransition(t.State, tr.to) {
			o.recordConflict(ctx, t, tr)
			span.SetAttributes(attribute.Bool("payment.conflict", true))
			return TransitionResult{Transaction: t.View(), Conflict: true}, nil
		}

		from, expected := t.State, t.Version
		now := o.now()
		t.Apply(tr.to, tr.reason, tr.source, now)
		if tr.mutate != nil {
			tr.mutate(t)
		}
		err = o.store.UpdateTransaction(ctx, t, expected)
		if errors.Is(err, store.ErrVersionConflict) {
			o.logger.WithContext(ctx).Debug("transition lost version race, retrying",
				slog.String("transaction_id", tr.id), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return TransitionResult{}, fmt.Errorf("orchestrator: update %s: %w", tr.id, err)
		}

		observability.TransitionsTotal.WithLabelValues(string(from), string(tr.to), string(tr.source)).Inc()
		o.logger.WithContext(ctx).Info("transition applied",
			slog.String("transaction_id", t.ID), slog.String("from", string(from)),
			slog.String("to", string(tr.to)), slog.String("source", string(tr.source)),
			slog.String("reason", tr.reason))
		o.afterCommit(ctx, t)
		return TransitionResult{Transaction: t.View(), Applied: true}, nil
	}
	return TransitionResult{}, fmt.Errorf("orchestrator: %w: %s still contended after %d attempts",
		payment.ErrConflict, tr.id, o.cfg.MaxTransitionAttempts)
}

func (o *Orchestrator) recordConflict(ctx context.Context, t *payment.Transaction, tr transitionRequest) {
	c := payment.Conflict{
		TransactionID:  t.ID,
		CurrentState:   t.State,
		AttemptedState: tr.to,
		Source:         tr.source,
		Reason:         tr.reason,
		At:             o.now(),
	}
	observability.ConflictsTotal.WithLabelValues(string(tr.source)).Inc()
	o.logger.WithContext(ctx).Warn("transition discarded",
		slog.String("transaction_id", t.ID), slog.String("current", string(t.State)),
		slog.String("attempted", string(tr.to)), slog.String("source", string(tr.source)))
	if err := o.store.RecordConflict(ctx, c); err != nil {
		o.logger.WithContext(ctx).Error("failed to record conflict",
			slog.String("transaction_id", t.ID), slog.Any("error", err))
	}
}

// afterCommit runs the effects of a committed transition. Effects outlive the
// triggering request, so they run on a detached context.
// For states that carry an effect, only the caller whose claim on the effect
// wins sends the notification, which may be a settlement catch-up.
func (o *Orchestrator) afterCommit(ctx context.Context, t *payment.Transaction) {
	ctx = trace.ContextWithSpan(reqctx.Detached(ctx), trace.SpanFromContext(ctx))
	o.publish(ctx, payment.NewEvent(payment.StateEventType(t.State), t, o.now()))

	if effect, ok := store.EffectFor(t.State); ok {
		if o.runEffect(ctx, t, effect) {
			o.notify(ctx, t)
		}
		return
	}
	if t.State.IsTerminal() {
		o.notify(ctx, t)
	}
}

func (o *Orchestrator) notify(ctx context.Context, t *payment.Transaction) {
	if err := o.notifier.Notify(ctx, payment.NewEvent(payment.StateEventType(t.State), t, o.now())); err != nil {
		o.logger.WithContext(ctx).Error("notify failed",
			slog.String("transaction_id", t.ID), slog.Any("error", err))
	}
}

func (o *Orchestrator) runEffect(ctx context.Context, t *payment.Transaction, effect string) bool {
	executed, err := o.guard.Execute(ctx, t.ID, effect, func(ctx context.Context) error {
		switch effect {
		case payment.EffectSettle:
			return o.settle(ctx, t)
		case payment.EffectRefund:
			return o.refund(ctx, t)
		}
		return fmt.Errorf("unknown effect %q", effect)
	})
	if err != nil && !executed {
		o.logger.WithContext(ctx).Error("effect not run",
			slog.String("transaction_id", t.ID), slog.String("effect", effect), slog.Any("error", err))
	}
	return executed
}

func (o *Orchestrator) settle(ctx context.Context, t *payment.Transaction) error {
	if err := o.booking.MarkPaid(ctx, t.CorrelationID, t.ID); err != nil {
		return fmt.Errorf("mark paid %s: %w", t.CorrelationID, err)
	}
	return o.publisher.Publish(ctx, payment.NewEvent(payment.EventSettled, t, o.now()))
}

func (o *Orchestrator) refund(ctx context.Context, t *payment.Transaction) error {
	// A provider-reported refund has already moved the money.
	if t.LastSource() == payment.SourceRequest {
		if err := o.router.Refund(ctx, t.Provider, t.ProviderReference, t.RefundAmount, t.RefundReason); err != nil {
			return fmt.Errorf("provider refund: %w", err)
		}
	}
	return o.publisher.Publish(ctx, payment.NewEvent(payment.EventRefunded, t, o.now()))
}

func (o *Orchestrator) publish(ctx context.Context, ev payment.Event) {
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.WithContext(ctx).Error("publish failed",
			slog.String("transaction_id", ev.TransactionID), slog.String("type", ev.Type), slog.Any("error", err))
	}
}

// ApplyOutcome applies a provider-reported outcome from a webhook or a
// verify call. Outcomes without a target state are ignored.
func (o *Orchestrator) ApplyOutcome(ctx context.Context, id string, outcome payment.Outcome, source payment.Source) (TransitionResult, error) {
	to, reason, ok := outcome.Target()
	if !ok {
		t, err := o.store.GetTransaction(ctx, id)
		if err != nil {
			return TransitionResult{}, err
		}
		return TransitionResult{Transaction: t.View()}, nil
	}
	tr := transitionRequest{id: id, to: to, reason: reason, source: source}
	if to == payment.StateRefunded {
		tr.mutate = func(t *payment.Transaction) {
			t.RefundReason = reason
			t.RefundAmount = t.Amount
		}
	}
	return o.transition(ctx, tr)
}

// Expire moves an in-flight transaction to expired.
func (o *Orchestrator) Expire(ctx context.Context, id string) (TransitionResult, error) {
	return o.transition(ctx, transitionRequest{
		id: id, to: payment.StateExpired, reason: payment.ReasonMaxAgeExceeded, source: payment.SourceSweeper,
	})
}

// CancelPayment records a payer cancellation as failed(cancelled).
func (o *Orchestrator) CancelPayment(ctx context.Context, id string) (TransitionResult, error) {
	return o.transition(ctx, transitionRequest{
		id: id, to: payment.StateFailed, reason: payment.ReasonCancelled, source: payment.SourceRequest,
	})
}

// RequestRefund refunds a completed transaction. amount 0 means the full
// amount. Replaying a refund on an already refunded transaction is a no-op
// recorded as a Conflict.
func (o *Orchestrator) RequestRefund(ctx context.Context, id, reason string, amount int64) (TransitionResult, error) {
	t, err := o.store.GetTransaction(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	tr := transitionRequest{id: id, to: payment.StateRefunded, reason: reason, source: payment.SourceRequest}
	switch t.State {
	case payment.StateRefunded:
		o.recordConflict(ctx, t, tr)
		return TransitionResult{Transaction: t.View(), Conflict: true}, nil
	case payment.StateCompleted:
	default:
		return TransitionResult{}, fmt.Errorf("%w: transaction is %s", payment.ErrNotRefundable, t.State)
	}

	if amount == 0 {
		amount = t.Amount
	}
	if amount < 0 || amount > t.Amount {
		return TransitionResult{}, fmt.Errorf("%w: refund amount must be between 1 and %d", payment.ErrValidation, t.Amount)
	}
	completedAt := t.UpdatedAt
	if t.CompletedAt != nil {
		completedAt = *t.CompletedAt
	}
	decision, err := o.policy.Evaluate(policy.RefundContext{
		Amount:       t.Amount,
		RefundAmount: amount,
		Currency:     t.Currency,
		Purpose:      t.Purpose,
		Provider:     t.Provider,
		Age:          o.now().Sub(completedAt),
	})
	if err != nil {
		return TransitionResult{}, err
	}
	if !decision.Allow {
		return TransitionResult{}, fmt.Errorf("%w: %s", payment.ErrPolicyViolation, decision.Reason)
	}

	tr.mutate = func(t *payment.Transaction) {
		t.RefundReason = reason
		t.RefundAmount = amount
	}
	return o.transition(ctx, tr)
}

// ResumeSettlement runs the effect owed by a completed or refunded
// transaction if it was never claimed, e.g. after a crash between commit and
// effect. It reports whether the effect ran.
func (o *Orchestrator) ResumeSettlement(ctx context.Context, id string) (bool, error) {
	t, err := o.store.GetTransaction(ctx, id)
	if err != nil {
		return false, err
	}
	effect, ok := store.EffectFor(t.State)
	if !ok {
		return false, nil
	}
	ctx = reqctx.Detached(ctx)
	executed := o.runEffect(ctx, t, effect)
	if executed {
		o.logger.WithContext(ctx).Info("settlement resumed",
			slog.String("transaction_id", t.ID), slog.String("effect", effect))
		o.notify(ctx, t)
	}
	return executed, nil
}
