// Package sweeper periodically reconciles transactions that are still waiting
// on a provider. It asks the provider for the current status, applies
// decisive outcomes, expires transactions left inconclusive past the maximum
// pending age, and runs settlement effects that a crash left unclaimed.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/observability"
	"github.com/yourorg/payment-reconciler/internal/orchestrator"
	"github.com/yourorg/payment-reconciler/internal/payment"
	"github.com/yourorg/payment-reconciler/internal/reqctx"
	"github.com/yourorg/payment-reconciler/internal/store"
)

const (
	defaultInterval           = 5 * time.Minute
	defaultFreshnessThreshold = 2 * time.Minute
	defaultMaxPendingAge      = 24 * time.Hour
	defaultBatchSize          = 100
	defaultConcurrency        = 8
)

// Config tunes a sweep. Zero values take defaults.
type Config struct {
	Interval time.Duration
	// FreshnessThreshold skips transactions updated more recently than this.
	FreshnessThreshold time.Duration
	// MaxPendingAge is measured from creation.
	MaxPendingAge time.Duration
	BatchSize     int
	Concurrency   int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.FreshnessThreshold <= 0 {
		c.FreshnessThreshold = defaultFreshnessThreshold
	}
	if c.MaxPendingAge <= 0 {
		c.MaxPendingAge = defaultMaxPendingAge
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return c
}

// Verifier queries a provider for a transaction's status.
type Verifier interface {
	Verify(ctx context.Context, provider, reference string) (adapter.ProviderStatus, error)
}

// Reconciler is the part of the orchestrator the sweeper drives.
type Reconciler interface {
	ApplyOutcome(ctx context.Context, id string, outcome payment.Outcome, source payment.Source) (orchestrator.TransitionResult, error)
	Expire(ctx context.Context, id string) (orchestrator.TransitionResult, error)
	ResumeSettlement(ctx context.Context, id string) (bool, error)
}

// SweepReport summarises one pass.
type SweepReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Checked    int       `json:"checked"`
	Applied    int       `json:"applied"`
	Expired    int       `json:"expired"`
	Pending    int       `json:"pending"`
	Conflicts  int       `json:"conflicts"`
	Errors     int       `json:"errors"`
	Skipped    int       `json:"skipped"`
	Resumed    int       `json:"resumed"`
}

// Sweeper runs reconciliation passes.
type Sweeper struct {
	store      store.Store
	verifier   Verifier
	reconciler Reconciler
	cfg        Config
	logger     *observability.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu   sync.Mutex
	last *SweepReport
}

// New creates a Sweeper.
func New(st store.Store, v Verifier, r Reconciler, cfg Config, logger *observability.Logger) *Sweeper {
	return &Sweeper{
		store:      st,
		verifier:   v,
		reconciler: r,
		cfg:        cfg.withDefaults(),
		logger:     logger.Component("sweeper"),
		tracer:     otel.Tracer("payment-reconciler/sweeper"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("sweeper started", slog.Duration("interval", s.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("sweep failed", slog.Any("error", err))
			}
		}
	}
}

// LastReport returns the most recent completed pass, if any.
func (s *Sweeper) LastReport() (SweepReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return SweepReport{}, false
	}
	return *s.last, true
}

// RunOnce performs a single pass. Provider errors are counted in the report
// and never fail the pass; only store errors do.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	ctx = reqctx.WithRequestID(ctx, "sweep-"+reqctx.NewRequestID())
	ctx, span := s.tracer.Start(ctx, "sweeper.RunOnce")
	defer span.End()
	log := s.logger.WithContext(ctx)

	now := s.now()
	report := SweepReport{StartedAt: now}
	stale, err := s.store.ListStale(ctx, now.Add(-s.cfg.FreshnessThreshold), s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("sweeper: list stale: %w", err)
	}

	var mu sync.Mutex
	count := func(f func(r *SweepReport)) {
		mu.Lock()
		f(&report)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, t := range stale {
		g.Go(func() error {
			action := s.reconcile(gctx, t, now)
			observability.SweeperActionsTotal.WithLabelValues(action).Inc()
			count(func(r *SweepReport) {
				r.Checked++
				switch action {
				case "applied":
					r.Applied++
				case "expired":
					r.Expired++
				case "pending":
					r.Pending++
				case "conflict":
					r.Conflicts++
				case "error":
					r.Errors++
				case "skipped":
					r.Skipped++
				}
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	resumed, err := s.catchUp(ctx)
	report.Resumed = resumed
	report.FinishedAt = s.now()
	span.SetAttributes(
		attribute.Int("sweep.checked", report.Checked),
		attribute.Int("sweep.applied", report.Applied),
		attribute.Int("sweep.expired", report.Expired),
		attribute.Int("sweep.errors", report.Errors),
	)
	if err != nil {
		return report, err
	}

	s.mu.Lock()
	last := report
	s.last = &last
	s.mu.Unlock()
	log.Info("sweep finished",
		slog.Int("checked", report.Checked), slog.Int("applied", report.Applied),
		slog.Int("expired", report.Expired), slog.Int("pending", report.Pending),
		slog.Int("conflicts", report.Conflicts), slog.Int("errors", report.Errors),
		slog.Int("skipped", report.Skipped), slog.Int("resumed", report.Resumed))
	return report, nil
}

// reconcile handles one stale transaction and returns the action taken.
// A transaction that left the in-flight states after it was listed, e.g. via
// a webhook, is skipped without calling the provider.
func (s *Sweeper) reconcile(ctx context.Context, listed *payment.Transaction, now time.Time) string {
	log := s.logger.WithContext(ctx).With(
		slog.String("transaction_id", listed.ID), slog.String("provider", listed.Provider))
	t, err := s.store.GetTransaction(ctx, listed.ID)
	if err != nil {
		log.Error("failed to reload transaction", slog.Any("error", err))
		return "error"
	}
	if !t.State.InFlight() {
		log.Debug("transaction settled since listing", slog.String("state", string(t.State)))
		return "skipped"
	}
	pastMaxAge := now.Sub(t.CreatedAt) > s.cfg.MaxPendingAge

	outcome := payment.OutcomeUnknown
	if t.ProviderReference != "" {
		status, err := s.verifier.Verify(ctx, t.Provider, t.ProviderReference)
		if err != nil {
			// Retried next interval; an unreachable provider never expires anything.
			log.Warn("verify failed", slog.Any("error", err))
			return "error"
		}
		outcome = status.Outcome
	}

	var res orchestrator.TransitionResult
	switch {
	case outcome.Decisive():
		res, err = s.reconciler.ApplyOutcome(ctx, t.ID, outcome, payment.SourceSweeper)
	case pastMaxAge:
		res, err = s.reconciler.Expire(ctx, t.ID)
	case outcome == payment.OutcomePending:
		if _, err := s.reconciler.ApplyOutcome(ctx, t.ID, outcome, payment.SourceSweeper); err != nil {
			log.Error("failed to apply pending outcome", slog.Any("error", err))
			return "error"
		}
		return "pending"
	default:
		return "pending"
	}
	if err != nil {
		log.Error("failed to apply sweep result", slog.String("outcome", string(outcome)), slog.Any("error", err))
		return "error"
	}
	switch {
	case res.Conflict:
		return "conflict"
	case res.Applied && res.Transaction.State == payment.StateExpired:
		return "expired"
	case res.Applied:
		return "applied"
	}
	return "pending"
}

// catchUp runs effects owed by terminal transactions whose ledger entry is
// missing.
func (s *Sweeper) catchUp(ctx context.Context) (int, error) {
	gaps, err := s.store.ListSettlementGaps(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("sweeper: list settlement gaps: %w", err)
	}
	resumed := 0
	for _, t := range gaps {
		executed, err := s.reconciler.ResumeSettlement(ctx, t.ID)
		if err != nil {
			s.logger.WithContext(ctx).Error("settlement catch-up failed",
				slog.String("transaction_id", t.ID), slog.Any("error", err))
			continue
		}
		if executed {
			resumed++
			observability.SweeperActionsTotal.WithLabelValues("resumed").Inc()
		}
	}
	return resumed, nil
}
