// Package router sends provider calls to the right adapter, guarded by the
// per-provider circuit breaker, with bounded retries on transient failures.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/observability"
	"github.com/yourorg/payment-reconciler/internal/payment"
	"github.com/yourorg/payment-reconciler/internal/router/circuitbreaker"
)

const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
)

// Config bounds retries of transient provider failures.
type Config struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Router resolves adapters by provider name.
type Router struct {
	registry *adapter.Registry
	breaker  *circuitbreaker.CircuitBreaker
	cfg      Config
	logger   *observability.Logger
	tracer   trace.Tracer
}

// New creates a Router. A nil breaker gets the default configuration.
func New(registry *adapter.Registry, breaker *circuitbreaker.CircuitBreaker, cfg Config, logger *observability.Logger) *Router {
	if registry == nil {
		panic("router: registry cannot be nil")
	}
	if breaker == nil {
		breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{})
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxInterval
	}
	return &Router{
		registry: registry,
		breaker:  breaker,
		cfg:      cfg,
		logger:   logger.Component("router"),
		tracer:   otel.Tracer("payment-reconciler/router"),
	}
}

// Providers lists the registered provider names.
func (r *Router) Providers() []string { return r.registry.Names() }

// Breaker exposes the circuit breaker for health reporting.
func (r *Router) Breaker() *circuitbreaker.CircuitBreaker { return r.breaker }

// Adapter returns the adapter for provider or payment.ErrUnknownProvider.
func (r *Router) Adapter(provider string) (adapter.ProviderAdapter, error) {
	a, ok := r.registry.Get(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %q", payment.ErrUnknownProvider, provider)
	}
	return a, nil
}

// ValidateRequest runs the provider's own request checks, if it has any.
func (r *Router) ValidateRequest(provider string, req adapter.InitiateRequest) error {
	a, err := r.Adapter(provider)
	if err != nil {
		return err
	}
	if v, ok := a.(adapter.Validator); ok {
		return v.ValidateRequest(req)
	}
	return nil
}

// Initiate starts a payment with provider. payment.ErrProviderUnavailable is
// retried up to MaxAttempts; anything else is returned at once.
func (r *Router) Initiate(ctx context.Context, provider string, req adapter.InitiateRequest) (adapter.ProviderHandle, error) {
	a, err := r.Adapter(provider)
	if err != nil {
		return adapter.ProviderHandle{}, err
	}
	return call(ctx, r, provider, "initiate", func(ctx context.Context) (adapter.ProviderHandle, error) {
		return a.Initiate(ctx, req)
	}, attribute.String("payment.reference", req.Reference))
}

// Verify queries the provider's view of reference.
func (r *Router) Verify(ctx context.Context, provider, reference string) (adapter.ProviderStatus, error) {
	a, err := r.Adapter(provider)
	if err != nil {
		return adapter.ProviderStatus{}, err
	}
	return call(ctx, r, provider, "verify", func(ctx context.Context) (adapter.ProviderStatus, error) {
		return a.Verify(ctx, reference)
	}, attribute.String("provider.reference", reference))
}

// Refund asks the provider to reverse a settled payment. Providers without a
// refund API are skipped: the refund is then handled out of band.
func (r *Router) Refund(ctx context.Context, provider, reference string, amount int64, reason string) error {
	a, err := r.Adapter(provider)
	if err != nil {
		return err
	}
	refunder, ok := a.(adapter.Refunder)
	if !ok {
		r.logger.WithContext(ctx).Info("provider has no refund API, refund must be issued manually",
			slog.String("provider", provider), slog.String("provider_reference", reference))
		return nil
	}
	_, err = call(ctx, r, provider, "refund", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, refunder.Refund(ctx, reference, amount, reason)
	}, attribute.String("provider.reference", reference))
	return err
}

// call is a function rather than a method because methods cannot be generic.
func call[T any](ctx context.Context, r *Router, provider, operation string, fn func(context.Context) (T, error), attrs ...attribute.KeyValue) (T, error) {
	ctx, span := r.tracer.Start(ctx, "provider."+operation, trace.WithAttributes(
		append(attrs, attribute.String("provider", provider))...))
	defer span.End()

	attempt := 0
	op := func() (T, error) {
		var zero T
		attempt++
		if !r.breaker.AllowRequest(provider) {
			return zero, backoff.Permanent(fmt.Errorf("%s: %w: circuit open", provider, payment.ErrProviderUnavailable))
		}

		start := time.Now()
		res, err := fn(ctx)
		result := "ok"
		switch {
		case err == nil:
			r.breaker.RecordSuccess(provider)
		case errors.Is(err, payment.ErrProviderUnavailable):
			result = "unavailable"
			r.breaker.RecordFailure(provider)
		default:
			// The provider answered; a rejected request says nothing about its health.
			result = "rejected"
			r.breaker.RecordSuccess(provider)
		}
		observability.ProviderCallDuration.WithLabelValues(provider, operation, result).Observe(time.Since(start).Seconds())

		if err != nil {
			if !errors.Is(err, payment.ErrProviderUnavailable) {
				return zero, backoff.Permanent(err)
			}
			r.logger.WithContext(ctx).Warn("provider call failed",
				slog.String("provider", provider), slog.String("operation", operation),
				slog.Int("attempt", attempt), slog.Any("error", err))
			return zero, err
		}
		return res, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxAttempts),
	)
	span.SetAttributes(attribute.Int("provider.attempts", attempt))
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, payment.ErrProviderUnavailable) {
			err = fmt.Errorf("%s: %w: %v", provider, payment.ErrProviderUnavailable, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var zero T
		return zero, err
	}
	return res, nil
}
