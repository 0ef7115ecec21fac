// Package orchestrator owns the payment state machine. It is the only writer
// of transaction state: payment requests, webhooks, the sweeper and refund
// requests all funnel through the single transition function in
// transition.go, which applies each change with a version compare-and-swap.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/idempotency"
	"github.com/yourorg/payment-reconciler/internal/observability"
	"github.com/yourorg/payment-reconciler/internal/payment"
	"github.com/yourorg/payment-reconciler/internal/policy"
	"github.com/yourorg/payment-reconciler/internal/store"
)

// ProviderRouter is the subset of router.Router the orchestrator uses.
type ProviderRouter interface {
	ValidateRequest(provider string, req adapter.InitiateRequest) error
	Initiate(ctx context.Context, provider string, req adapter.InitiateRequest) (adapter.ProviderHandle, error)
	Refund(ctx context.Context, provider, reference string, amount int64, reason string) error
}

// Booking is the booking / service-request collaborator.
type Booking interface {
	MarkPaid(ctx context.Context, correlationID, transactionID string) error
}

// Notifier receives an event for every terminal transition.
type Notifier interface {
	Notify(ctx context.Context, ev payment.Event) error
}

// Publisher receives state-change and settlement events.
type Publisher interface {
	Publish(ctx context.Context, ev payment.Event) error
}

// Collaborators groups the orchestrator's outbound dependencies. Nil members
// are replaced by no-ops.
type Collaborators struct {
	Booking   Booking
	Notifier  Notifier
	Publisher Publisher
}

type nopCollaborator struct{}

func (nopCollaborator) MarkPaid(context.Context, string, string) error { return nil }
func (nopCollaborator) Notify(context.Context, payment.Event) error    { return nil }
func (nopCollaborator) Publish(context.Context, payment.Event) error   { return nil }

const defaultMaxTransitionAttempts = 5

// Config tunes the orchestrator.
type Config struct {
	// MaxTransitionAttempts bounds compare-and-swap retries per transition.
	MaxTransitionAttempts int
}

// Orchestrator manages the transaction lifecycle.
type Orchestrator struct {
	store     store.Store
	router    ProviderRouter
	guard     *idempotency.Guard
	policy    *policy.RefundPolicy
	booking   Booking
	notifier  Notifier
	publisher Publisher
	cfg       Config
	logger    *observability.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates an Orchestrator.
func New(st store.Store, r ProviderRouter, refundPolicy *policy.RefundPolicy, collab Collaborators, cfg Config, logger *observability.Logger) *Orchestrator {
	if st == nil {
		panic("orchestrator: store cannot be nil")
	}
	if r == nil {
		panic("orchestrator: router cannot be nil")
	}
	if refundPolicy == nil {
		refundPolicy, _ = policy.NewRefundPolicy(0, nil)
	}
	if collab.Booking == nil {
		collab.Booking = nopCollaborator{}
	}
	if collab.Notifier == nil {
		collab.Notifier = nopCollaborator{}
	}
	if collab.Publisher == nil {
		collab.Publisher = nopCollaborator{}
	}
	if cfg.MaxTransitionAttempts <= 0 {
		cfg.MaxTransitionAttempts = defaultMaxTransitionAttempts
	}
	logger = logger.Component("orchestrator")
	return &Orchestrator{
		store:     st,
		router:    r,
		guard:     idempotency.NewGuard(st, logger),
		policy:    refundPolicy,
		booking:   collab.Booking,
		notifier:  collab.Notifier,
		publisher: collab.Publisher,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("payment-reconciler/orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// InitiatePayment creates a transaction and starts it with the provider.
// created is false when an earlier request with the same idempotency key and
// an identical payload is being replayed; the adapter is not called again.
func (o *Orchestrator) InitiatePayment(ctx context.Context, req payment.Request) (view payment.View, created bool, err error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.InitiatePayment", trace.WithAttributes(
		attribute.String("payment.provider", req.Provider),
		attribute.String("payment.purpose", string(req.Purpose)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := req.Validate(); err != nil {
		return payment.View{}, false, err
	}
	req.Currency = strings.ToUpper(req.Currency)
	initReq := adapter.InitiateRequest{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Payer:       req.Payer,
	}
	if err := o.router.ValidateRequest(req.Provider, initReq); err != nil {
		if errors.Is(err, payment.ErrUnknownProvider) {
			return payment.View{}, false, fmt.Errorf("%w: %v", payment.ErrValidation, err)
		}
		return payment.View{}, false, err
	}

	hash := req.Hash()
	if existing, err := o.store.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return o.replay(existing, hash)
	} else if !errors.Is(err, payment.ErrNotFound) {
		return payment.View{}, false, fmt.Errorf("orchestrator: idempotency lookup: %w", err)
	}

	now := o.now()
	fee, net := payment.ComputeFee(req.Amount, req.Purpose)
	t := &payment.Transaction{
		ID:             uuid.NewString(),
		Reference:      payment.NewReference(),
		PayerID:        req.PayerID,
		Payer:          req.Payer,
		Amount:         req.Amount,
		Fee:            fee,
		NetAmount:      net,
		Currency:       req.Currency,
		Purpose:        req.Purpose,
		CorrelationID:  req.CorrelationID,
		Description:    req.Description,
		Provider:       req.Provider,
		State:          payment.StateCreated,
		History:        []payment.HistoryEntry{{State: payment.StateCreated, Source: payment.SourceRequest, At: now}},
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    hash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.CreateTransaction(ctx, t); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Lost a race with a concurrent request carrying the same key.
			existing, getErr := o.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if getErr != nil {
				return payment.View{}, false, fmt.Errorf("orchestrator: reload after duplicate key: %w", getErr)
			}
			return o.replay(existing, hash)
		}
		return payment.View{}, false, fmt.Errorf("orchestrator: create transaction: %w", err)
	}
	span.SetAttributes(attribute.String("payment.transaction_id", t.ID))
	log := o.logger.WithContext(ctx).With(slog.String("transaction_id", t.ID), slog.String("provider", t.Provider))
	log.Info("transaction created", slog.String("reference", t.Reference), slog.Int64("amount", t.Amount))
	o.publish(ctx, payment.NewEvent(payment.StateEventType(t.State), t, now))

	initReq.TransactionID = t.ID
	initReq.Reference = t.Reference
	handle, initErr := o.router.Initiate(ctx, t.Provider, initReq)
	if initErr != nil {
		reason := payment.ReasonInvalidRequest
		if errors.Is(initErr, payment.ErrProviderUnavailable) {
			reason = payment.ReasonProviderUnavailable
		}
		log.Warn("initiate failed", slog.String("reason", reason), slog.Any("error", initErr))
		if _, err := o.transition(ctx, transitionRequest{
			id: t.ID, to: payment.StateFailed, reason: reason, source: payment.SourceRequest,
		}); err != nil {
			log.Error("failed to record initiate failure", slog.Any("error", err))
		}
		return payment.View{}, false, fmt.Errorf("orchestrator: initiate %s: %w", t.Reference, initErr)
	}

	res, err := o.transition(ctx, transitionRequest{
		id: t.ID, to: payment.StateInitiated, source: payment.SourceRequest,
		mutate: func(t *payment.Transaction) {
			t.ProviderReference = handle.Reference
			t.RedirectURL = handle.RedirectURL
			t.Instructions = handle.Instructions
		},
	})
	if err != nil {
		return payment.View{}, false, err
	}
	if res.Conflict {
		// The transaction left created while the provider call was in flight,
		// e.g. a cancellation. The provider payment exists regardless.
		o.attachProviderReference(ctx, t.ID, handle.Reference)
		o.logger.SecurityAlert(ctx, "provider payment outlived its transaction",
			slog.String("transaction_id", t.ID), slog.String("provider", t.Provider),
			slog.String("provider_reference", handle.Reference),
			slog.String("state", string(res.Transaction.State)))
		return payment.View{}, false, fmt.Errorf("orchestrator: %w: transaction %s is already %s",
			payment.ErrConflict, t.Reference, res.Transaction.State)
	}
	return res.Transaction, true, nil
}

// attachProviderReference stores ref on a transaction that has none without
// changing its state, so later webhooks and sweeps can still match it.
func (o *Orchestrator) attachProviderReference(ctx context.Context, id, ref string) {
	if ref == "" {
		return
	}
	for attempt := 1; attempt <= o.cfg.MaxTransitionAttempts; attempt++ {
		t, err := o.store.GetTransaction(ctx, id)
		if err != nil {
			o.logger.WithContext(ctx).Error("failed to reload transaction",
				slog.String("transaction_id", id), slog.Any("error", err))
			return
		}
		if t.ProviderReference != "" {
			return
		}
		t.ProviderReference = ref
		t.UpdatedAt = o.now()
		err = o.store.UpdateTransaction(ctx, t, t.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			o.logger.WithContext(ctx).Error("failed to store provider reference",
				slog.String("transaction_id", id), slog.Any("error", err))
		}
		return
	}
}

func (o *Orchestrator) replay(existing *payment.Transaction, hash string) (payment.View, bool, error) {
	if existing.RequestHash != hash {
		return payment.View{}, false, payment.ErrDuplicateIdempotencyKey
	}
	return existing.View(), false, nil
}

// GetStatus returns the transaction's current view.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (payment.View, error) {
	t, err := o.store.GetTransaction(ctx, id)
	if err != nil {
		return payment.View{}, err
	}
	return t.View(), nil
}

// GetByReference looks a transaction up by its PAY reference.
func (o *Orchestrator) GetByReference(ctx context.Context, reference string) (payment.View, error) {
	t, err := o.store.GetByReference(ctx, reference)
	if err != nil {
		return payment.View{}, err
	}
	return t.View(), nil
}

// ListTransactions returns transactions matching f, newest first.
func (o *Orchestrator) ListTransactions(ctx context.Context, f store.Filter) ([]payment.View, error) {
	txs, err := o.store.ListTransactions(ctx, f)
	if err != nil {
		return nil, err
	}
	views := make([]payment.View, 0, len(txs))
	for _, t := range txs {
		views = append(views, t.View())
	}
	return views, nil
}

// Conflicts returns the discarded transitions recorded for id.
func (o *Orchestrator) Conflicts(ctx context.Context, id string) ([]payment.Conflict, error) {
	return o.store.ListConflicts(ctx, id)
}
