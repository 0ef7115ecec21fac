// Package webhook turns raw provider notifications into orchestrator
// transitions. Every delivery is authenticated by its adapter, checked
// against the provider's payload contract, deduplicated on
// (provider, external_event_id) and correlated with a local transaction.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/monitor"
	"github.com/yourorg/payment-reconciler/internal/observability"
	"github.com/yourorg/payment-reconciler/internal/orchestrator"
	"github.com/yourorg/payment-reconciler/internal/payment"
	"github.com/yourorg/payment-reconciler/internal/store"
)

// Status is what Ingest did with a delivery.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
	StatusOrphan    Status = "orphan"
	StatusRejected  Status = "rejected"
)

// Result describes an accepted delivery.
type Result struct {
	Status        Status
	EventID       string
	TransactionID string
	// Applied and Conflict mirror the orchestrator's TransitionResult.
	Applied  bool
	Conflict bool
}

// Adapters resolves a provider name to its adapter.
type Adapters interface {
	Adapter(provider string) (adapter.ProviderAdapter, error)
}

// Applier applies a provider outcome to a transaction.
type Applier interface {
	ApplyOutcome(ctx context.Context, id string, outcome payment.Outcome, source payment.Source) (orchestrator.TransitionResult, error)
}

// Ingestor processes webhook deliveries synchronously.
type Ingestor struct {
	adapters Adapters
	store    store.Store
	applier  Applier
	monitor  *monitor.ContractMonitor
	marker   Marker
	logger   *observability.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithContractMonitor checks payloads against the provider's JSON Schema.
func WithContractMonitor(cm *monitor.ContractMonitor) Option {
	return func(i *Ingestor) { i.monitor = cm }
}

// WithMarker enables the fast-path duplicate check.
func WithMarker(m Marker) Option {
	return func(i *Ingestor) { i.marker = m }
}

// NewIngestor creates an Ingestor.
func NewIngestor(adapters Adapters, st store.Store, applier Applier, logger *observability.Logger, opts ...Option) *Ingestor {
	i := &Ingestor{
		adapters: adapters,
		store:    st,
		applier:  applier,
		logger:   logger.Component("webhook"),
		tracer:   otel.Tracer("payment-reconciler/webhook"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest handles one delivery. Errors wrapping payment.ErrUnknownProvider,
// payment.ErrInvalidSignature or payment.ErrMalformedPayload mean the
// delivery was refused; any other error is transient and the provider should
// redeliver.
func (i *Ingestor) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (res Result, err error) {
	ctx, span := i.tracer.Start(ctx, "webhook.Ingest", trace.WithAttributes(attribute.String("provider", provider)))
	defer func() {
		span.SetAttributes(attribute.String("webhook.status", string(res.Status)))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()
	log := i.logger.WithContext(ctx).With(slog.String("provider", provider))

	a, err := i.adapters.Adapter(provider)
	if err != nil {
		observability.WebhooksTotal.WithLabelValues("unknown", string(StatusRejected)).Inc()
		return Result{Status: StatusRejected}, err
	}

	parsed, err := a.ParseWebhook(payload, headers)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			i.reject(ctx, provider, payload, err)
			return Result{Status: StatusRejected}, err
		}
		observability.WebhooksTotal.WithLabelValues(provider, "malformed").Inc()
		log.Warn("webhook payload could not be parsed", slog.Any("error", err))
		return Result{Status: StatusRejected}, err
	}
	log = log.With(slog.String("event_id", parsed.EventID))
	span.SetAttributes(attribute.String("webhook.event_id", parsed.EventID))

	if i.monitor != nil {
		valid, problems, verr := i.monitor.Validate(provider, payload)
		if verr != nil || !valid {
			observability.WebhooksTotal.WithLabelValues(provider, "contract_violation").Inc()
			log.Warn("webhook payload violates contract",
				slog.String("errors", monitor.FormatErrors(problems)), slog.Any("error", verr))
			return Result{Status: StatusRejected}, fmt.Errorf("webhook: %s: %w: contract violation", provider, payment.ErrMalformedPayload)
		}
	}

	if i.marker != nil {
		seen, merr := i.marker.Seen(ctx, provider, parsed.EventID)
		if merr != nil {
			log.Warn("dedupe marker unavailable, falling back to store", slog.Any("error", merr))
		} else if seen {
			observability.WebhooksTotal.WithLabelValues(provider, string(StatusDuplicate)).Inc()
			return Result{Status: StatusDuplicate, EventID: parsed.EventID}, nil
		}
	}

	ev := &payment.WebhookEvent{
		Provider:          provider,
		ExternalEventID:   parsed.EventID,
		ProviderReference: parsed.ProviderReference,
		RawStatus:         parsed.RawStatus,
		Payload:           payload,
		SignatureValid:    true,
		ReceivedAt:        i.now(),
	}
	if ev.ProviderReference == "" {
		ev.ProviderReference = parsed.LocalReference
	}
	inserted, existing, err := i.store.InsertWebhookEvent(ctx, ev)
	if err != nil {
		return Result{}, fmt.Errorf("webhook: store event: %w", err)
	}
	if !inserted {
		if existing.Processed {
			i.mark(ctx, provider, parsed.EventID)
			observability.WebhooksTotal.WithLabelValues(provider, string(StatusDuplicate)).Inc()
			log.Info("duplicate webhook acknowledged")
			return Result{Status: StatusDuplicate, EventID: parsed.EventID}, nil
		}
		// An earlier delivery was stored but never finished; process it now.
		ev = existing
	}

	t, err := i.correlate(ctx, provider, parsed)
	if errors.Is(err, payment.ErrNotFound) {
		if err := i.store.MarkWebhookProcessed(ctx, ev.ID, true, i.now()); err != nil {
			return Result{}, fmt.Errorf("webhook: mark orphan: %w", err)
		}
		i.mark(ctx, provider, parsed.EventID)
		observability.WebhooksTotal.WithLabelValues(provider, string(StatusOrphan)).Inc()
		log.Warn("webhook references no known transaction",
			slog.String("provider_reference", parsed.ProviderReference),
			slog.String("local_reference", parsed.LocalReference))
		return Result{Status: StatusOrphan, EventID: parsed.EventID}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("webhook: correlate: %w", err)
	}

	tr, err := i.applier.ApplyOutcome(ctx, t.ID, parsed.Outcome, payment.SourceWebhook)
	if err != nil {
		return Result{}, fmt.Errorf("webhook: apply outcome: %w", err)
	}
	if err := i.store.MarkWebhookProcessed(ctx, ev.ID, false, i.now()); err != nil {
		return Result{}, fmt.Errorf("webhook: mark processed: %w", err)
	}
	i.mark(ctx, provider, parsed.EventID)
	observability.WebhooksTotal.WithLabelValues(provider, string(StatusProcessed)).Inc()
	log.Info("webhook processed",
		slog.String("transaction_id", t.ID), slog.String("outcome", string(parsed.Outcome)),
		slog.Bool("applied", tr.Applied), slog.Bool("conflict", tr.Conflict))
	return Result{
		Status:        StatusProcessed,
		EventID:       parsed.EventID,
		TransactionID: t.ID,
		Applied:       tr.Applied,
		Conflict:      tr.Conflict,
	}, nil
}

// correlate finds the transaction by provider reference, then by our own
// reference when the provider echoes it back. A transaction found by local
// reference must belong to the same provider.
func (i *Ingestor) correlate(ctx context.Context, provider string, parsed adapter.ParsedEvent) (*payment.Transaction, error) {
	if parsed.ProviderReference != "" {
		t, err := i.store.GetByProviderReference(ctx, provider, parsed.ProviderReference)
		if err == nil || !errors.Is(err, payment.ErrNotFound) {
			return t, err
		}
	}
	if parsed.LocalReference == "" {
		return nil, payment.ErrNotFound
	}
	t, err := i.store.GetByReference(ctx, parsed.LocalReference)
	if err != nil {
		return nil, err
	}
	if t.Provider != provider {
		return nil, payment.ErrNotFound
	}
	return t, nil
}

func (i *Ingestor) reject(ctx context.Context, provider string, payload []byte, cause error) {
	observability.SecurityAlertsTotal.WithLabelValues(provider).Inc()
	observability.WebhooksTotal.WithLabelValues(provider, string(StatusRejected)).Inc()
	i.logger.SecurityAlert(ctx, "webhook signature verification failed",
		slog.String("provider", provider), slog.Any("error", cause))
	audit := &payment.WebhookEvent{
		Provider:   provider,
		Payload:    payload,
		ReceivedAt: i.now(),
	}
	if err := i.store.RecordRejectedWebhook(ctx, audit); err != nil {
		i.logger.WithContext(ctx).Error("failed to store rejected webhook",
			slog.String("provider", provider), slog.Any("error", err))
	}
}

func (i *Ingestor) mark(ctx context.Context, provider, eventID string) {
	if i.marker == nil {
		return
	}
	if err := i.marker.Mark(ctx, provider, eventID); err != nil {
		i.logger.WithContext(ctx).Warn("failed to set dedupe marker",
			slog.String("provider", provider), slog.String("event_id", eventID), slog.Any("error", err))
	}
}
