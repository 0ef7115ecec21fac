// Package moov reaches Moov Money. Like MTN it is request-to-pay: the payer
// receives a USSD prompt.
package moov

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/payment"
)

// Name is the provider identifier.
const Name = "moov_money"

const SignatureHeader = "X-Moov-Signature"

// Config is injected at construction.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	CallbackURL   string
}

// Adapter implements adapter.ProviderAdapter for Moov Money.
type Adapter struct {
	httpClient *http.Client
	cfg        Config
}

// New creates an Adapter. A nil client gets adapter.DefaultTimeout.
func New(cfg Config, client *http.Client) *Adapter {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{httpClient: adapter.NewHTTPClient(client), cfg: cfg}
}

func (a *Adapter) GetName() string { return Name }

// ValidateRequest requires a phone number for the USSD prompt.
func (a *Adapter) ValidateRequest(req adapter.InitiateRequest) error {
	if strings.TrimSpace(req.Payer.Phone) == "" {
		return fmt.Errorf("%w: phone number is required for Moov Money", payment.ErrValidation)
	}
	return nil
}

type paymentRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	PhoneNumber string `json:"phone_number"`
	ExternalID  string `json:"external_id"`
	Description string `json:"description,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type paymentResponse struct {
	TransactionID adapter.FlexID `json:"transactionId"`
	Status        string         `json:"status"`
}

func (a *Adapter) do(ctx context.Context, method, path string, body, out any) error {
	req, err := adapter.NewJSONRequest(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("moov_money: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	return adapter.DoJSON(a.httpClient, Name, req, out)
}

// Initiate sends the USSD payment request.
func (a *Adapter) Initiate(ctx context.Context, req adapter.InitiateRequest) (adapter.ProviderHandle, error) {
	if err := a.ValidateRequest(req); err != nil {
		return adapter.ProviderHandle{}, fmt.Errorf("moov_money: %w: %v", payment.ErrInvalidRequest, err)
	}
	var resp paymentResponse
	err := a.do(ctx, http.MethodPost, "/v1/payments/request", paymentRequest{
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		PhoneNumber: req.Payer.Phone,
		ExternalID:  req.Reference,
		Description: req.Description,
		CallbackURL: a.cfg.CallbackURL,
	}, &resp)
	if err != nil {
		return adapter.ProviderHandle{}, err
	}
	if resp.TransactionID == "" {
		return adapter.ProviderHandle{}, fmt.Errorf("moov_money: %w: response carried no transactionId", payment.ErrProviderUnavailable)
	}
	return adapter.ProviderHandle{
		Reference:    resp.TransactionID.String(),
		Instructions: fmt.Sprintf("A payment request was sent to %s. Validate it from the USSD prompt.", req.Payer.Phone),
	}, nil
}

// Verify reads the payment status.
func (a *Adapter) Verify(ctx context.Context, reference string) (adapter.ProviderStatus, error) {
	var resp paymentResponse
	if err := a.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(reference), nil, &resp); err != nil {
		return adapter.ProviderStatus{}, err
	}
	return adapter.ProviderStatus{Reference: reference, Outcome: MapStatus(resp.Status), RawStatus: resp.Status}, nil
}

type webhookPayload struct {
	EventID       string         `json:"eventId"`
	TransactionID adapter.FlexID `json:"transactionId"`
	Status        string         `json:"status"`
	Amount        int64          `json:"amount"`
	PhoneNumber   string         `json:"phone_number"`
	Metadata      struct {
		PaymentReference string `json:"payment_reference"`
	} `json:"metadata"`
}

// ParseWebhook authenticates the callback with X-Moov-Signature.
func (a *Adapter) ParseWebhook(payload []byte, headers http.Header) (adapter.ParsedEvent, error) {
	if !adapter.VerifyHMAC(a.cfg.WebhookSecret, payload, headers.Get(SignatureHeader)) {
		return adapter.ParsedEvent{}, fmt.Errorf("moov_money: %w", payment.ErrInvalidSignature)
	}
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return adapter.ParsedEvent{}, fmt.Errorf("moov_money: %w: %v", payment.ErrMalformedPayload, err)
	}
	ref := p.TransactionID.String()
	if p.Status == "" || (ref == "" && p.Metadata.PaymentReference == "") {
		return adapter.ParsedEvent{}, fmt.Errorf("moov_money: %w: missing status or reference", payment.ErrMalformedPayload)
	}
	eventID := p.EventID
	if eventID == "" {
		eventID = adapter.FallbackEventID(ref, p.Status, payload)
	}
	return adapter.ParsedEvent{
		EventID:           eventID,
		ProviderReference: ref,
		LocalReference:    p.Metadata.PaymentReference,
		Outcome:           MapStatus(p.Status),
		RawStatus:         p.Status,
		Amount:            p.Amount,
	}, nil
}

// MapStatus translates Moov Money statuses.
func MapStatus(status string) payment.Outcome {
	switch strings.ToUpper(status) {
	case "SUCCESSFUL", "SUCCESS":
		return payment.OutcomeSucceeded
	case "FAILED":
		return payment.OutcomeFailed
	case "CANCELLED", "CANCELED":
		return payment.OutcomeCancelled
	case "PENDING":
		return payment.OutcomePending
	default:
		return payment.OutcomeUnknown
	}
}
