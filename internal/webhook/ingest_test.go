package webhook

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	adaptermock "github.com/yourorg/payment-reconciler/internal/adapter/mock"
	"github.com/yourorg/payment-reconciler/internal/monitor"
	"github.com/yourorg/payment-reconciler/internal/observability"
	"github.com/yourorg/payment-reconciler/internal/orchestrator"
	"github.com/yourorg/payment-reconciler/internal/payment"
	"github.com/yourorg/payment-reconciler/internal/router"
	"github.com/yourorg/payment-reconciler/internal/store"
)

const secret = "whsec_test"

type countingBooking struct {
	mu    sync.Mutex
	calls int
}

func (b *countingBooking) MarkPaid(context.Context, string, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return nil
}

func (b *countingBooking) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type memMarker struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memMarker) Seen(_ context.Context, provider, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[provider+"/"+eventID], nil
}

func (m *memMarker) Mark(_ context.Context, provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	m.seen[provider+"/"+eventID] = true
	return nil
}

type harness struct {
	store    *store.MemoryStore
	orch     *orchestrator.Orchestrator
	router   *router.Router
	booking  *countingBooking
	fedapay  *adaptermock.MockAdapter
	momo     *adaptermock.MockAdapter
	ingestor *Ingestor
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	fedapay := adaptermock.NewMockAdapter("fedapay")
	fedapay.WebhookSecret = secret
	momo := adaptermock.NewMockAdapter("mtn_momo")
	reg, err := adapter.NewRegistry(fedapay, momo)
	require.NoError(t, err)
	r := router.New(reg, nil, router.Config{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, observability.Discard())
	st := store.NewMemoryStore()
	booking := &countingBooking{}
	orch := orchestrator.New(st, r, nil, orchestrator.Collaborators{Booking: booking}, orchestrator.Config{}, observability.Discard())
	return &harness{
		store:    st,
		orch:     orch,
		router:   r,
		booking:  booking,
		fedapay:  fedapay,
		momo:     momo,
		ingestor: NewIngestor(r, st, orch, observability.Discard(), opts...),
	}
}

func (h *harness) initiate(t *testing.T, a *adaptermock.MockAdapter, key, ref string) payment.View {
	t.Helper()
	a.InitiateFunc = func(ctx context.Context, req adapter.InitiateRequest) (adapter.ProviderHandle, error) {
		return adapter.ProviderHandle{Reference: ref}, nil
	}
	view, _, err := h.orch.InitiatePayment(context.Background(), payment.Request{
		PayerID: "tenant-1", Payer: payment.Contact{Phone: "22990000000"}, Amount: 50000, Currency: "XOF",
		Purpose: payment.PurposeRent, CorrelationID: "booking-42", Provider: a.GetName(), IdempotencyKey: key,
	})
	require.NoError(t, err)
	return view
}

func signed(body string) ([]byte, http.Header) {
	h := http.Header{}
	h.Set(adaptermock.SignatureHeader, adapter.SignHMAC(secret, []byte(body)))
	return []byte(body), h
}

func TestIngest_AppliesOutcome(t *testing.T) {
	h := newHarness(t)
	view := h.initiate(t, h.fedapay, "k1", "abc123")

	body, headers := signed(`{"event_id":"evt-1","reference":"abc123","outcome":"succeeded"}`)
	res, err := h.ingestor.Ingest(context.Background(), "fedapay", body, headers)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	assert.Equal(t, view.ID, res.TransactionID)
	assert.True(t, res.Applied)

	got, err := h.orch.GetStatus(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateCompleted, got.State)
	assert.Equal(t, payment.SourceWebhook, got.History[len(got.History)-1].Source)
	assert.Equal(t, 1, h.booking.count())
}

func TestIngest_SameWebhookTwice(t *testing.T) {
	h := newHarness(t)
	view := h.initiate(t, h.fedapay, "k1", "abc123")
	body, headers := signed(`{"event_id":"evt-1","reference":"abc123","outcome":"succeeded"}`)

	first, err := h.ingestor.Ingest(context.Background(), "fedapay", body, headers)
	require.NoError(t, err)
	second, err := h.ingestor.Ingest(context.Background(), "fedapay", body, headers)
	require.NoError(t, err)

	assert.Equal(t, StatusProcessed, first.Status)
	assert.Equal(t, StatusDuplicate, second.Status)

	// Same outcome under a fresh event id reaches the orchestrator and is discarded.
	body, headers = signed(`{"event_id":"evt-2","reference":"abc123","outcome":"succeeded"}`)
	third, err := h.ingestor.Ingest(context.Background(), "fedapay", body, headers)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, third.Status)
	assert.True(t, third.Conflict)

	got, err := h.orch.GetStatus(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 3)
	assert.Equal(t, 1, h.booking.count())
}

func TestIngest_Orphan(t *testing.T) {
	h := newHarness(t)
	view := h.initiate(t, h.fedapay, "k1", "abc123")
	body, headers := signed(`{"event_id":"evt-z","reference":"zzz","outcome":"succeeded"}`)

	res, err := h.ingestor.Ingest(context.Background(), "fedapay", body, headers)
	require.NoError(t, err)
	assert.Equal(t, StatusOrphan, res.Status)

	orphans, err := h.store.ListOrphanEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "zzz", orphans[0].ProviderReference)
	assert.True(t, orphans[0].Processed)

	txs, err := h.store.ListTransactions(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, view.ID, txs[0].ID)
	assert.Equal(t, payment.StateInitiated, txs[0].State)
	assert.Equal(t, 0, h.booking.count())
}

func TestIngest_LocalReferenceFallback(t *testing.T) {
	h := newHarness(t)
	view := h.initiate(t, h.fedapay, "k1", "abc123")

	body, headers := signed(fmt.Sprintf(`{"event_id":"evt-l","local_reference":%q,"outcome":"failed"}`, view.Reference))
	res, err := h.ingestor.Ingest(context.Background(), "fedapay", body, headers)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	assert.Equal(t, view.ID, res.TransactionID)

	other := h.initiate(t, h.momo, "k2", "mtn-1")
	body, headers = signed(fmt.Sprintf(`{"event_id":"evt-x","local_reference":%q,"outcome":"succeeded"}`, other.Reference))
	res, err = h.ingestor.Ingest(context.Background(), "fedapay", body, headers)
	require.NoError(t, err)
	assert.Equal(t, StatusOrphan, res.Status, "a reference owned by another provider is not matched")
}

func TestIngest_InvalidSignature(t *testing.T) {
	h := newHarness(t)
	h.initiate(t, h.fedapay, "k1", "abc123")
	before := testutil.ToFloat64(observability.SecurityAlertsTotal.WithLabelValues("fedapay"))

	headers := http.Header{}
	headers.Set(adaptermock.SignatureHeader, "deadbeef")
	res, err := h.ingestor.Ingest(context.Background(), "fedapay",
		[]byte(`{"event_id":"evt-f","reference":"abc123","outcome":"succeeded"}`), headers)
	assert.ErrorIs(t, err, payment.ErrInvalidSignature)
	assert.Equal(t, StatusRejected, res.Status)

	rejected := h.store.RejectedWebhooks()
	require.Len(t, rejected, 1)
	assert.False(t, rejected[0].SignatureValid)
	assert.Equal(t, before+1, testutil.ToFloat64(observability.SecurityAlertsTotal.WithLabelValues("fedapay")))

	txs, err := h.store.ListTransactions(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, payment.StateInitiated, txs[0].State)
}

func TestIngest_Refusals(t *testing.T) {
	h := newHarness(t)

	_, err := h.ingestor.Ingest(context.Background(), "paypal", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, payment.ErrUnknownProvider)

	_, err = h.ingestor.Ingest(context.Background(), "mtn_momo", []byte(`not json`), http.Header{})
	assert.ErrorIs(t, err, payment.ErrMalformedPayload)
}

func TestIngest_ContractViolation(t *testing.T) {
	cm, err := monitor.NewContractMonitor(map[string][]byte{
		"mtn_momo": []byte(`{"type":"object","required":["event_id","reference"]}`),
	})
	require.NoError(t, err)
	h := newHarness(t, WithContractMonitor(cm))
	h.initiate(t, h.momo, "k1", "mtn-1")

	_, err = h.ingestor.Ingest(context.Background(), "mtn_momo",
		[]byte(`{"local_reference":"PAY0000000000","outcome":"succeeded"}`), http.Header{})
	assert.ErrorIs(t, err, payment.ErrMalformedPayload)

	res, err := h.ingestor.Ingest(context.Background(), "mtn_momo",
		[]byte(`{"event_id":"e1","reference":"mtn-1","outcome":"succeeded"}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
}

func TestIngest_ReprocessesUnfinishedEvent(t *testing.T) {
	h := newHarness(t)
	view := h.initiate(t, h.momo, "k1", "mtn-1")

	// A previous delivery was stored but the process died before applying it.
	_, _, err := h.store.InsertWebhookEvent(context.Background(), &payment.WebhookEvent{
		Provider: "mtn_momo", ExternalEventID: "e1", ProviderReference: "mtn-1", ReceivedAt: time.Now(),
	})
	require.NoError(t, err)

	res, err := h.ingestor.Ingest(context.Background(), "mtn_momo",
		[]byte(`{"event_id":"e1","reference":"mtn-1","outcome":"succeeded"}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	assert.True(t, res.Applied)

	got, err := h.orch.GetStatus(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StateCompleted, got.State)
}

func TestIngest_MarkerFastPath(t *testing.T) {
	marker := &memMarker{}
	h := newHarness(t, WithMarker(marker))
	h.initiate(t, h.momo, "k1", "mtn-1")
	body := []byte(`{"event_id":"e1","reference":"mtn-1","outcome":"succeeded"}`)

	res, err := h.ingestor.Ingest(context.Background(), "mtn_momo", body, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)

	seen, _ := marker.Seen(context.Background(), "mtn_momo", "e1")
	assert.True(t, seen)

	res, err = h.ingestor.Ingest(context.Background(), "mtn_momo", body, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
}

func TestIngest_MarkerUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	h := newHarness(t, WithMarker(NewRedisMarker(client, time.Minute)))
	h.initiate(t, h.momo, "k1", "mtn-1")

	res, err := h.ingestor.Ingest(context.Background(), "mtn_momo",
		[]byte(`{"event_id":"e1","reference":"mtn-1","outcome":"succeeded"}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
}

func TestRedisMarker_Key(t *testing.T) {
	assert.Equal(t, "webhook:processed:fedapay:evt-1", markerKey("fedapay", "evt-1"))
}
