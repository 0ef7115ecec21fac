// Package collaborator holds clients for the services the reconciler tells
// about settled payments.
package collaborator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yourorg/payment-reconciler/internal/adapter"
)

var tracer = otel.Tracer("payment-reconciler/collaborator")

// BookingClient marks bookings and service requests as paid.
type BookingClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewBookingClient returns a client for the booking service at baseURL.
func NewBookingClient(baseURL, apiKey string, timeout time.Duration) *BookingClient {
	var client *http.Client
	if timeout > 0 {
		client = &http.Client{Timeout: timeout}
	}
	return &BookingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  adapter.NewHTTPClient(client),
	}
}

type markPaidRequest struct {
	TransactionID string    `json:"transaction_id"`
	PaidAt        time.Time `json:"paid_at"`
}

// MarkPaid tells the booking service that correlationID has been paid by
// transactionID. The transaction id doubles as the idempotency key so the
// booking service can absorb replays.
func (c *BookingClient) MarkPaid(ctx context.Context, correlationID, transactionID string) error {
	ctx, span := tracer.Start(ctx, "booking.mark_paid")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking.correlation_id", correlationID),
		attribute.String("payment.transaction_id", transactionID),
	)

	endpoint := fmt.Sprintf("%s/api/v1/bookings/%s/paid", c.baseURL, url.PathEscape(correlationID))
	req, err := adapter.NewJSONRequest(ctx, http.MethodPost, endpoint, markPaidRequest{
		TransactionID: transactionID,
		PaidAt:        time.Now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	req.Header.Set("Idempotency-Key", transactionID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if err := adapter.DoJSON(c.client, "booking", req, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
