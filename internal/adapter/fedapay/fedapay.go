// Package fedapay reaches the FedaPay hosted checkout. The payer is redirected
// to a FedaPay payment page; confirmation only ever arrives asynchronously.
package fedapay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/payment"
)

// Name is the provider identifier.
const Name = "fedapay"

const (
	SandboxBaseURL  = "https://sandbox-api.fedapay.com/v1"
	LiveBaseURL     = "https://api.fedapay.com/v1"
	SignatureHeader = "X-FEDAPAY-SIGNATURE"
	defaultCountry  = "bj"
	instructions    = "You will be redirected to the FedaPay payment page."
	// maxUntokenized bounds the created-but-untokenized transactions remembered.
	maxUntokenized = 1024
)

// Config is injected at construction.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	CallbackURL   string
	Country       string
}

// Adapter implements adapter.ProviderAdapter for FedaPay.
type Adapter struct {
	httpClient *http.Client
	cfg        Config

	// untokenized maps a merchant reference to the FedaPay transaction created
	// for it whose payment page could not be generated yet. A retried
	// Initiate resumes from it instead of creating a second transaction.
	mu          sync.Mutex
	untokenized map[string]string
}

// New creates an Adapter. A nil client gets adapter.DefaultTimeout.
func New(cfg Config, client *http.Client) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Country == "" {
		cfg.Country = defaultCountry
	}
	return &Adapter{
		httpClient:  adapter.NewHTTPClient(client),
		cfg:         cfg,
		untokenized: make(map[string]string),
	}
}

func (a *Adapter) GetName() string { return Name }

type customer struct {
	FirstName   string       `json:"firstname,omitempty"`
	LastName    string       `json:"lastname,omitempty"`
	Email       string       `json:"email,omitempty"`
	PhoneNumber *phoneNumber `json:"phone_number,omitempty"`
}

type phoneNumber struct {
	Number  string `json:"number"`
	Country string `json:"country"`
}

type createTransactionRequest struct {
	Description       string            `json:"description"`
	Amount            int64             `json:"amount"`
	Currency          map[string]string `json:"currency"`
	CallbackURL       string            `json:"callback_url,omitempty"`
	MerchantReference string            `json:"merchant_reference"`
	Customer          customer          `json:"customer"`
}

type transaction struct {
	ID                adapter.FlexID `json:"id"`
	Status            string         `json:"status"`
	Amount            int64          `json:"amount"`
	MerchantReference string         `json:"merchant_reference"`
}

type transactionEnvelope struct {
	V1 transaction `json:"v1"`
}

type tokenEnvelope struct {
	V1 struct {
		Token string `json:"token"`
		URL   string `json:"url"`
	} `json:"v1"`
}

func (a *Adapter) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
}

// Initiate creates a FedaPay transaction and generates its payment page URL.
// When only the second step failed, a retry for the same reference reuses the
// transaction already created.
func (a *Adapter) Initiate(ctx context.Context, req adapter.InitiateRequest) (adapter.ProviderHandle, error) {
	id, ok := a.takeUntokenized(req.Reference)
	if !ok {
		var err error
		if id, err = a.create(ctx, req); err != nil {
			return adapter.ProviderHandle{}, err
		}
	}

	tokenReq, err := adapter.NewJSONRequest(ctx, http.MethodPost,
		a.cfg.BaseURL+"/transactions/"+url.PathEscape(id)+"/token", struct{}{})
	if err != nil {
		return adapter.ProviderHandle{}, fmt.Errorf("fedapay: build token request: %w", err)
	}
	a.authorize(tokenReq)
	var token tokenEnvelope
	if err := adapter.DoJSON(a.httpClient, Name, tokenReq, &token); err != nil {
		a.rememberUntokenized(req.Reference, id)
		return adapter.ProviderHandle{}, err
	}

	return adapter.ProviderHandle{
		Reference:    id,
		RedirectURL:  token.V1.URL,
		Instructions: instructions,
	}, nil
}

func (a *Adapter) create(ctx context.Context, req adapter.InitiateRequest) (string, error) {
	body := createTransactionRequest{
		Description:       req.Description,
		Amount:            req.Amount,
		Currency:          map[string]string{"iso": strings.ToUpper(req.Currency)},
		CallbackURL:       a.cfg.CallbackURL,
		MerchantReference: req.Reference,
		Customer: customer{
			FirstName: req.Payer.FirstName,
			LastName:  req.Payer.LastName,
			Email:     req.Payer.Email,
		},
	}
	if body.Description == "" {
		body.Description = "Payment " + req.Reference
	}
	if req.Payer.Phone != "" {
		body.Customer.PhoneNumber = &phoneNumber{Number: req.Payer.Phone, Country: a.cfg.Country}
	}

	httpReq, err := adapter.NewJSONRequest(ctx, http.MethodPost, a.cfg.BaseURL+"/transactions", body)
	if err != nil {
		return "", fmt.Errorf("fedapay: build create request: %w", err)
	}
	a.authorize(httpReq)
	var created transactionEnvelope
	if err := adapter.DoJSON(a.httpClient, Name, httpReq, &created); err != nil {
		return "", err
	}
	id := created.V1.ID.String()
	if id == "" {
		return "", fmt.Errorf("fedapay: %w: create response carried no transaction id", payment.ErrProviderUnavailable)
	}
	return id, nil
}

func (a *Adapter) takeUntokenized(reference string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.untokenized[reference]
	delete(a.untokenized, reference)
	return id, ok
}

func (a *Adapter) rememberUntokenized(reference, id string) {
	if reference == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.untokenized) >= maxUntokenized {
		for k := range a.untokenized {
			delete(a.untokenized, k)
			break
		}
	}
	a.untokenized[reference] = id
}

// Verify fetches the transaction and maps its status.
func (a *Adapter) Verify(ctx context.Context, reference string) (adapter.ProviderStatus, error) {
	httpReq, err := adapter.NewJSONRequest(ctx, http.MethodGet,
		a.cfg.BaseURL+"/transactions/"+url.PathEscape(reference), nil)
	if err != nil {
		return adapter.ProviderStatus{}, fmt.Errorf("fedapay: build verify request: %w", err)
	}
	a.authorize(httpReq)
	var got transactionEnvelope
	if err := adapter.DoJSON(a.httpClient, Name, httpReq, &got); err != nil {
		return adapter.ProviderStatus{}, err
	}
	return adapter.ProviderStatus{
		Reference: reference,
		Outcome:   MapStatus(got.V1.Status),
		RawStatus: got.V1.Status,
	}, nil
}

type webhookPayload struct {
	ID     adapter.FlexID `json:"id"`
	Name   string         `json:"name"`
	Entity transaction    `json:"entity"`
}

// ParseWebhook checks the X-FEDAPAY-SIGNATURE HMAC before decoding the body.
func (a *Adapter) ParseWebhook(payload []byte, headers http.Header) (adapter.ParsedEvent, error) {
	if !adapter.VerifyHMAC(a.cfg.WebhookSecret, payload, headers.Get(SignatureHeader)) {
		return adapter.ParsedEvent{}, fmt.Errorf("fedapay: %w", payment.ErrInvalidSignature)
	}
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return adapter.ParsedEvent{}, fmt.Errorf("fedapay: %w: %v", payment.ErrMalformedPayload, err)
	}
	ref := p.Entity.ID.String()
	if ref == "" {
		return adapter.ParsedEvent{}, fmt.Errorf("fedapay: %w: missing entity id", payment.ErrMalformedPayload)
	}
	status := p.Entity.Status
	if status == "" {
		// "transaction.approved" carries the status in the event name.
		status = strings.TrimPrefix(p.Name, "transaction.")
	}
	eventID := p.ID.String()
	if eventID == "" {
		eventID = adapter.FallbackEventID(ref, status, payload)
	}
	return adapter.ParsedEvent{
		EventID:           eventID,
		ProviderReference: ref,
		LocalReference:    p.Entity.MerchantReference,
		Outcome:           MapStatus(status),
		RawStatus:         status,
		Amount:            p.Entity.Amount,
	}, nil
}

// MapStatus translates FedaPay transaction statuses.
func MapStatus(status string) payment.Outcome {
	switch strings.ToLower(status) {
	case "approved", "transferred":
		return payment.OutcomeSucceeded
	case "declined":
		return payment.OutcomeFailed
	case "canceled", "cancelled":
		return payment.OutcomeCancelled
	case "refunded":
		return payment.OutcomeRefunded
	case "pending":
		return payment.OutcomePending
	default:
		return payment.OutcomeUnknown
	}
}
