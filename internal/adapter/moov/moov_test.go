package moov

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/payment"
)

func TestInitiateAndVerify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer moov-key", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payments/request":
			_, _ = w.Write([]byte(`{"transactionId":"MOOV-1","status":"PENDING"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/payments/MOOV-1":
			_, _ = w.Write([]byte(`{"transactionId":"MOOV-1","status":"FAILED"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	a := New(Config{BaseURL: server.URL, APIKey: "moov-key"}, server.Client())
	handle, err := a.Initiate(context.Background(), adapter.InitiateRequest{
		Reference: "PAYMOOV", Amount: 2500, Currency: "XOF", Payer: payment.Contact{Phone: "22995000000"},
	})
	require.NoError(t, err)
	assert.Equal(t, "MOOV-1", handle.Reference)

	status, err := a.Verify(context.Background(), "MOOV-1")
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeFailed, status.Outcome)
}

func TestInitiate_MissingTransactionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"PENDING"}`))
	}))
	defer server.Close()

	a := New(Config{BaseURL: server.URL}, server.Client())
	_, err := a.Initiate(context.Background(), adapter.InitiateRequest{Amount: 1, Currency: "XOF", Payer: payment.Contact{Phone: "1"}})
	assert.ErrorIs(t, err, payment.ErrProviderUnavailable)
}

func TestParseWebhook(t *testing.T) {
	a := New(Config{WebhookSecret: "moov-secret"}, nil)
	body := []byte(`{"eventId":"ev-9","transactionId":"MOOV-1","status":"SUCCESSFUL","amount":2500,"metadata":{"payment_reference":"PAYMOOV"}}`)
	h := http.Header{}
	h.Set(SignatureHeader, adapter.SignHMAC("moov-secret", body))

	ev, err := a.ParseWebhook(body, h)
	require.NoError(t, err)
	assert.Equal(t, "ev-9", ev.EventID)
	assert.Equal(t, "MOOV-1", ev.ProviderReference)
	assert.Equal(t, "PAYMOOV", ev.LocalReference)
	assert.Equal(t, payment.OutcomeSucceeded, ev.Outcome)

	_, err = a.ParseWebhook(body, http.Header{})
	assert.ErrorIs(t, err, payment.ErrInvalidSignature)
}

func TestValidateRequest(t *testing.T) {
	a := New(Config{}, nil)
	assert.ErrorIs(t, a.ValidateRequest(adapter.InitiateRequest{}), payment.ErrValidation)
	assert.NoError(t, a.ValidateRequest(adapter.InitiateRequest{Payer: payment.Contact{Phone: "229"}}))
}
