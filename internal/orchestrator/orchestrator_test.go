package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	adaptermock "github.com/yourorg/payment-reconciler/internal/adapter/mock"
	"github.com/yourorg/payment-reconciler/internal/observability"
	"github.com/yourorg/payment-reconciler/internal/payment"
	"github.com/yourorg/payment-reconciler/internal/policy"
	"github.com/yourorg/payment-reconciler/internal/router"
	"github.com/yourorg/payment-reconciler/internal/store"
)

type MockBooking struct {
	mock.Mock
}

func (m *MockBooking) MarkPaid(ctx context.Context, correlationID, transactionID string) error {
	args := m.Called(correlationID, transactionID)
	return args.Error(0)
}

type recorder struct {
	mu     sync.Mutex
	events []payment.Event
}

func (r *recorder) Notify(_ context.Context, ev payment.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Publish(ctx context.Context, ev payment.Event) error { return r.Notify(ctx, ev) }

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	orch      *Orchestrator
	store     *store.MemoryStore
	adapter   *adaptermock.MockAdapter
	booking   *MockBooking
	notifier  *recorder
	publisher *recorder
}

func newFixture(t *testing.T, provider string, refundPolicy *policy.RefundPolicy) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	m := adaptermock.NewMockAdapter(provider)
	reg, err := adapter.NewRegistry(m)
	require.NoError(t, err)
	r := router.New(reg, nil, router.Config{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, observability.Discard())

	f := &fixture{store: st, adapter: m, booking: new(MockBooking), notifier: &recorder{}, publisher: &recorder{}}
	f.orch = New(st, r, refundPolicy, Collaborators{
		Booking: f.booking, Notifier: f.notifier, Publisher: f.publisher,
	}, Config{}, observability.Discard())
	return f
}

func rentRequest(key string) payment.Request {
	return payment.Request{
		PayerID:        "tenant-1",
		Payer:          payment.Contact{Email: "tenant@example.com", Phone: "22990000000"},
		Amount:         50000,
		Currency:       "XOF",
		Purpose:        payment.PurposeRent,
		CorrelationID:  "booking-42",
		Provider:       "fedapay",
		IdempotencyKey: key,
	}
}

// initiated creates a transaction whose provider reference is ref.
func (f *fixture) initiated(t *testing.T, key, ref string) payment.View {
	t.Helper()
	f.adapter.InitiateFunc = func(ctx context.Context, req adapter.InitiateRequest) (adapter.ProviderHandle, error) {
		return adapter.ProviderHandle{Reference: ref, RedirectURL: "https://checkout.example/" + ref}, nil
	}
	req := rentRequest(key)
	req.Provider = f.adapter.GetName()
	view, created, err := f.orch.InitiatePayment(context.Background(), req)
	require.NoError(t, err)
	require.True(t, created)
	return view
}

func states(v payment.View) []payment.State {
	out := make([]payment.State, 0, len(v.History))
	for _, h := range v.History {
		out = append(out, h.State)
	}
	return out
}

func TestScenario_RedirectCheckoutApproved(t *testing.T) {
	f := newFixture(t, "fedapay", nil)
	view := f.initiated(t, "key-1", "abc123")

	assert.Equal(t, payment.StateInitiated, view.State)
	assert.Equal(t, "abc123", view.ProviderReference)
	assert.Equal(t, "https://checkout.example/abc123", view.RedirectURL)
	assert.Equal(t, int64(1250), view.Fee)
	assert.Equal(t, int64(48750), view.NetAmount)
	assert.Regexp(t, `^PAY[0-9A-F]{10}$`, view.Reference)

	f.booking.On("MarkPaid", "booking-42", view.ID).Return(nil).Once()

	res, err := f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomeSucceeded, payment.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, payment.StateCompleted, res.Transaction.State)
	require.NotNil(t, res.Transaction.CompletedAt)

	// A second success report (redelivery under a new event id) is discarded.
	res, err = f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomeSucceeded, payment.SourceSweeper)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.True(t, res.Conflict)

	f.booking.AssertExpectations(t)
	f.booking.AssertNumberOfCalls(t, "MarkPaid", 1)
	assert.Equal(t, 1, f.notifier.count("transaction.completed"))
	assert.Equal(t, 1, f.publisher.count(payment.EventSettled))

	entry, err := f.store.GetEffect(context.Background(), view.ID, payment.EffectSettle)
	require.NoError(t, err)
	assert.NotNil(t, entry.CompletedAt)
	assert.Empty(t, entry.Error)

	final, err := f.orch.GetStatus(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, []payment.State{payment.StateCreated, payment.StateInitiated, payment.StateCompleted}, states(final))
}

func TestInitiatePayment_Idempotency(t *testing.T) {
	f := newFixture(t, "fedapay", nil)
	first := f.initiated(t, "key-1", "abc123")

	again, created, err := f.orch.InitiatePayment(context.Background(), rentRequest("key-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, f.adapter.InitiateCalls())

	// Currency case does not change the fingerprint.
	lower := rentRequest("key-1")
	lower.Currency = "xof"
	again, _, err = f.orch.InitiatePayment(context.Background(), lower)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	different := rentRequest("key-1")
	different.Amount = 60000
	_, _, err = f.orch.InitiatePayment(context.Background(), different)
	assert.ErrorIs(t, err, payment.ErrDuplicateIdempotencyKey)
	assert.ErrorIs(t, err, payment.ErrPolicyViolation)
	assert.Equal(t, 1, f.adapter.InitiateCalls())
}

func TestInitiatePayment_ConcurrentSameKey(t *testing.T) {
	f := newFixture(t, "fedapay", nil)
	f.adapter.InitiateFunc = func(ctx context.Context, req adapter.InitiateRequest) (adapter.ProviderHandle, error) {
		return adapter.ProviderHandle{Reference: "ref-" + req.Reference}, nil
	}

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := f.orch.InitiatePayment(context.Background(), rentRequest("same-key"))
			if err == nil {
				ids[i] = v.ID
			}
		}(i)
	}
	wg.Wait()

	txs, err := f.store.ListTransactions(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	for _, id := range ids {
		if id != "" {
			assert.Equal(t, txs[0].ID, id)
		}
	}
	assert.Equal(t, 1, f.adapter.InitiateCalls())
}

func TestInitiatePayment_Validation(t *testing.T) {
	f := newFixture(t, "fedapay", nil)

	_, _, err := f.orch.InitiatePayment(context.Background(), rentRequest(""))
	assert.ErrorIs(t, err, payment.ErrValidation)

	req := rentRequest("k")
	req.Provider = "paypal"
	_, _, err = f.orch.InitiatePayment(context.Background(), req)
	assert.ErrorIs(t, err, payment.ErrValidation)
	assert.ErrorIs(t, err, payment.ErrUnknownProvider)

	assert.Equal(t, 0, f.adapter.InitiateCalls())
}

func TestInitiatePayment_ProviderFailures(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantErr    error
		wantReason string
		wantCalls  int
	}{
		{"Unavailable", payment.ErrProviderUnavailable, payment.ErrProviderUnavailable, payment.ReasonProviderUnavailable, 3},
		{"Rejected", payment.ErrInvalidRequest, payment.ErrInvalidRequest, payment.ReasonInvalidRequest, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "fedapay", nil)
			f.adapter.InitiateFunc = func(ctx context.Context, req adapter.InitiateRequest) (adapter.ProviderHandle, error) {
				return adapter.ProviderHandle{}, fmt.Errorf("fedapay: %w", tc.err)
			}

			_, _, err := f.orch.InitiatePayment(context.Background(), rentRequest("key-f"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, tc.wantCalls, f.adapter.InitiateCalls())

			tx, err := f.store.GetByIdempotencyKey(context.Background(), "key-f")
			require.NoError(t, err)
			assert.Equal(t, payment.StateFailed, tx.State)
			assert.Equal(t, tc.wantReason, tx.FailureReason)
			assert.Empty(t, tx.ProviderReference)
			assert.Equal(t, 1, f.notifier.count("transaction.failed"))
		})
	}
}

func TestApplyOutcome_PendingThenDecline(t *testing.T) {
	f := newFixture(t, "fedapay", nil)
	view := f.initiated(t, "key-1", "abc123")

	res, err := f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomePending, payment.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, payment.StatePendingConfirmation, res.Transaction.State)

	res, err = f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomePending, payment.SourceSweeper)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.False(t, res.Conflict, "a repeated pending report is not a conflict")

	res, err = f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomeUnknown, payment.SourceSweeper)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	res, err = f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomeFailed, payment.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, payment.StateFailed, res.Transaction.State)
	assert.Equal(t, payment.ReasonDeclined, res.Transaction.FailureReason)

	f.booking.AssertNotCalled(t, "MarkPaid", mock.Anything, mock.Anything)
	assert.Equal(t, 1, f.notifier.count("transaction.failed"))
}

func TestTerminalStatesAreNeverLeft(t *testing.T) {
	f := newFixture(t, "mtn_momo", nil)
	view := f.initiated(t, "key-1", "mtn-9")

	res, err := f.orch.Expire(context.Background(), view.ID)
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, payment.ReasonMaxAgeExceeded, res.Transaction.FailureReason)

	for _, outcome := range []payment.Outcome{payment.OutcomeSucceeded, payment.OutcomeFailed, payment.OutcomeRefunded} {
		res, err := f.orch.ApplyOutcome(context.Background(), view.ID, outcome, payment.SourceWebhook)
		require.NoError(t, err)
		assert.True(t, res.Conflict, "outcome %s", outcome)
		assert.Equal(t, payment.StateExpired, res.Transaction.State)
	}
	res, err = f.orch.CancelPayment(context.Background(), view.ID)
	require.NoError(t, err)
	assert.True(t, res.Conflict)

	conflicts, err := f.orch.Conflicts(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Len(t, conflicts, 4)
	f.booking.AssertNotCalled(t, "MarkPaid", mock.Anything, mock.Anything)
	assert.Equal(t, 0, f.publisher.count(payment.EventSettled))
}

func TestConcurrentConflictingOutcomes(t *testing.T) {
	f := newFixture(t, "fedapay", nil)
	view := f.initiated(t, "key-1", "abc123")
	f.booking.On("MarkPaid", mock.Anything, mock.Anything).Return(nil).Maybe()

	const n = 10
	results := make([]TransitionResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, source := payment.OutcomeSucceeded, payment.SourceWebhook
			if i%2 == 1 {
				outcome, source = payment.OutcomeFailed, payment.SourceSweeper
			}
			res, err := f.orch.ApplyOutcome(context.Background(), view.ID, outcome, source)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		if r.Applied {
			applied++
		} else {
			assert.True(t, r.Conflict)
		}
	}
	assert.Equal(t, 1, applied)

	final, err := f.orch.GetStatus(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Contains(t, []payment.State{payment.StateCompleted, payment.StateFailed}, final.State)
	assert.Len(t, final.History, 3)

	conflicts, err := f.orch.Conflicts(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Len(t, conflicts, n-1)

	settled := 0
	if final.State == payment.StateCompleted {
		settled = 1
	}
	f.booking.AssertNumberOfCalls(t, "MarkPaid", settled)
}

func TestRequestRefund(t *testing.T) {
	pol, err := policy.NewRefundPolicy(72*time.Hour, nil)
	require.NoError(t, err)
	f := newFixture(t, "fedapay", pol)
	view := f.initiated(t, "key-1", "abc123")
	f.booking.On("MarkPaid", "booking-42", view.ID).Return(nil).Once()

	_, err = f.orch.RequestRefund(context.Background(), view.ID, "too early", 0)
	assert.ErrorIs(t, err, payment.ErrNotRefundable)

	_, err = f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomeSucceeded, payment.SourceWebhook)
	require.NoError(t, err)

	_, err = f.orch.RequestRefund(context.Background(), view.ID, "too much", 60000)
	assert.ErrorIs(t, err, payment.ErrValidation)

	var refunded []int64
	f.adapter.RefundFunc = func(ctx context.Context, reference string, amount int64, reason string) error {
		assert.Equal(t, "abc123", reference)
		assert.Equal(t, "booking cancelled", reason)
		refunded = append(refunded, amount)
		return nil
	}

	res, err := f.orch.RequestRefund(context.Background(), view.ID, "booking cancelled", 0)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, payment.StateRefunded, res.Transaction.State)
	assert.Equal(t, int64(50000), res.Transaction.RefundAmount)
	assert.Equal(t, "booking cancelled", res.Transaction.RefundReason)

	// Replay is a recorded no-op.
	res, err = f.orch.RequestRefund(context.Background(), view.ID, "booking cancelled", 0)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.True(t, res.Conflict)

	assert.Equal(t, []int64{50000}, refunded)
	assert.Equal(t, 1, f.adapter.RefundCalls())
	assert.Equal(t, 1, f.publisher.count(payment.EventRefunded))
	assert.Equal(t, 1, f.notifier.count("transaction.refunded"))

	conflicts, err := f.orch.Conflicts(context.Background(), view.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, payment.StateRefunded, conflicts[0].AttemptedState)
	assert.Equal(t, payment.SourceRequest, conflicts[0].Source)
}

func TestRequestRefund_Policy(t *testing.T) {
	pol, err := policy.NewRefundPolicy(24*time.Hour, []policy.PolicyRule{{
		ID: "no_partial_rent", Expression: "purpose == 'rent' && refund_amount < amount",
		Decision: policy.Decision{Allow: false, Reason: "rent refunds are all or nothing"},
	}})
	require.NoError(t, err)
	f := newFixture(t, "fedapay", pol)
	view := f.initiated(t, "key-1", "abc123")
	f.booking.On("MarkPaid", mock.Anything, mock.Anything).Return(nil)
	_, err = f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomeSucceeded, payment.SourceWebhook)
	require.NoError(t, err)

	_, err = f.orch.RequestRefund(context.Background(), view.ID, "partial", 1000)
	assert.ErrorIs(t, err, payment.ErrPolicyViolation)
	assert.Contains(t, err.Error(), "all or nothing")

	realNow := f.orch.now
	f.orch.now = func() time.Time { return realNow().Add(25 * time.Hour) }
	_, err = f.orch.RequestRefund(context.Background(), view.ID, "late", 0)
	assert.ErrorIs(t, err, payment.ErrPolicyWindowExpired)

	final, err := f.orch.GetStatus(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateCompleted, final.State)
	assert.Equal(t, 0, f.adapter.RefundCalls())
}

func TestProviderReportedRefund(t *testing.T) {
	f := newFixture(t, "fedapay", nil)
	view := f.initiated(t, "key-1", "abc123")
	f.booking.On("MarkPaid", mock.Anything, mock.Anything).Return(nil)
	_, err := f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomeSucceeded, payment.SourceWebhook)
	require.NoError(t, err)

	res, err := f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomeRefunded, payment.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(50000), res.Transaction.RefundAmount)
	assert.Equal(t, 0, f.adapter.RefundCalls(), "the provider already refunded")
	assert.Equal(t, 1, f.publisher.count(payment.EventRefunded))
}

func TestCancelPayment(t *testing.T) {
	f := newFixture(t, "fedapay", nil)
	view := f.initiated(t, "key-1", "abc123")

	res, err := f.orch.CancelPayment(context.Background(), view.ID)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, payment.StateFailed, res.Transaction.State)
	assert.Equal(t, payment.ReasonCancelled, res.Transaction.FailureReason)

	_, err = f.orch.CancelPayment(context.Background(), "missing")
	assert.ErrorIs(t, err, payment.ErrNotFound)
}

func TestSettleEffectFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, "fedapay", nil)
	view := f.initiated(t, "key-1", "abc123")
	f.booking.On("MarkPaid", "booking-42", view.ID).Return(errors.New("booking service down")).Once()

	res, err := f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomeSucceeded, payment.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, payment.StateCompleted, res.Transaction.State)

	entry, err := f.store.GetEffect(context.Background(), view.ID, payment.EffectSettle)
	require.NoError(t, err)
	assert.Contains(t, entry.Error, "booking service down")

	executed, err := f.orch.ResumeSettlement(context.Background(), view.ID)
	require.NoError(t, err)
	assert.False(t, executed)
	f.booking.AssertNumberOfCalls(t, "MarkPaid", 1)
	assert.Equal(t, 0, f.publisher.count(payment.EventSettled))
}

func TestResumeSettlement(t *testing.T) {
	f := newFixture(t, "fedapay", nil)
	now := time.Now().UTC()
	// Simulates a crash after the completed state was committed but before
	// the settle effect was claimed.
	tx := &payment.Transaction{
		ID: "tx-crash", Reference: "PAY0000000001", PayerID: "tenant-1", Amount: 50000, Currency: "XOF",
		Purpose: payment.PurposeRent, CorrelationID: "booking-7", Provider: "fedapay",
		ProviderReference: "abc999", State: payment.StateCompleted, IdempotencyKey: "crash",
		CompletedAt: &now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateTransaction(context.Background(), tx))
	f.booking.On("MarkPaid", "booking-7", "tx-crash").Return(nil).Once()

	executed, err := f.orch.ResumeSettlement(context.Background(), "tx-crash")
	require.NoError(t, err)
	assert.True(t, executed)

	executed, err = f.orch.ResumeSettlement(context.Background(), "tx-crash")
	require.NoError(t, err)
	assert.False(t, executed)

	f.booking.AssertExpectations(t)
	assert.Equal(t, 1, f.notifier.count("transaction.completed"))

	view := f.initiated(t, "key-2", "abc124")
	executed, err = f.orch.ResumeSettlement(context.Background(), view.ID)
	require.NoError(t, err)
	assert.False(t, executed, "in-flight transactions owe no effect")
}

// resumingPublisher runs a settlement catch-up as soon as the completed event
// is published, i.e. between the commit and the committing caller's claim.
type resumingPublisher struct {
	*recorder
	orch    *Orchestrator
	resumed bool
}

func (p *resumingPublisher) Publish(ctx context.Context, ev payment.Event) error {
	if ev.Type == "transaction.completed" && !p.resumed {
		p.resumed = true
		if _, err := p.orch.ResumeSettlement(ctx, ev.TransactionID); err != nil {
			return err
		}
	}
	return p.recorder.Publish(ctx, ev)
}

func TestCompletedNotifiesOnceWhenCatchUpClaimsSettlement(t *testing.T) {
	f := newFixture(t, "fedapay", nil)
	view := f.initiated(t, "key-1", "abc123")
	f.orch.publisher = &resumingPublisher{recorder: f.publisher, orch: f.orch}
	f.booking.On("MarkPaid", "booking-42", view.ID).Return(nil).Once()

	res, err := f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomeSucceeded, payment.SourceWebhook)
	require.NoError(t, err)
	require.True(t, res.Applied)

	f.booking.AssertNumberOfCalls(t, "MarkPaid", 1)
	assert.Equal(t, 1, f.publisher.count(payment.EventSettled))
	assert.Equal(t, 1, f.notifier.count("transaction.completed"))
}

func TestFailedNotifiesOnce(t *testing.T) {
	f := newFixture(t, "fedapay", nil)
	view := f.initiated(t, "key-1", "abc123")

	_, err := f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomeFailed, payment.SourceWebhook)
	require.NoError(t, err)
	_, err = f.orch.ApplyOutcome(context.Background(), view.ID, payment.OutcomeFailed, payment.SourceSweeper)
	require.NoError(t, err)

	assert.Equal(t, 1, f.notifier.count("transaction.failed"))
}

func TestInitiatePayment_CancelledWhileInitiating(t *testing.T) {
	f := newFixture(t, "fedapay", nil)
	f.adapter.InitiateFunc = func(ctx context.Context, req adapter.InitiateRequest) (adapter.ProviderHandle, error) {
		res, err := f.orch.CancelPayment(ctx, req.TransactionID)
		require.NoError(t, err)
		require.True(t, res.Applied)
		return adapter.ProviderHandle{Reference: "abc-late", RedirectURL: "https://checkout.example/abc-late"}, nil
	}

	_, created, err := f.orch.InitiatePayment(context.Background(), rentRequest("key-1"))
	require.ErrorIs(t, err, payment.ErrConflict)
	assert.False(t, created)

	stored, err := f.store.GetByIdempotencyKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, payment.StateFailed, stored.State)
	assert.Equal(t, payment.ReasonCancelled, stored.FailureReason)
	assert.Equal(t, "abc-late", stored.ProviderReference, "the provider payment stays traceable")

	conflicts, err := f.orch.Conflicts(context.Background(), stored.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, payment.StateInitiated, conflicts[0].AttemptedState)

	// Late provider reports can still be matched to the transaction.
	byRef, err := f.store.GetByProviderReference(context.Background(), "fedapay", "abc-late")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, byRef.ID)
}

func TestListAndLookup(t *testing.T) {
	f := newFixture(t, "fedapay", nil)
	a := f.initiated(t, "key-1", "abc1")
	b := f.initiated(t, "key-2", "abc2")

	got, err := f.orch.GetByReference(context.Background(), b.Reference)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = f.orch.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, payment.ErrNotFound)

	views, err := f.orch.ListTransactions(context.Background(), store.Filter{PayerID: "tenant-1"})
	require.NoError(t, err)
	ids := []string{}
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
}
