// Package mtnmomo reaches the MTN Mobile Money collection API. Payments are
// request-to-pay: the payer approves a prompt on their phone.
package mtnmomo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/payment"
)

// Name is the provider identifier.
const Name = "mtn_momo"

const (
	SandboxBaseURL  = "https://sandbox.momodeveloper.mtn.com"
	SignatureHeader = "X-Callback-Signature"
	// tokenSkew renews the access token slightly before it expires.
	tokenSkew = 30 * time.Second
)

// referenceNamespace seeds the name-based X-Reference-Id.
var referenceNamespace = uuid.MustParse("5f0c8b5e-6a3e-4d8e-9b1a-7d2f4c6e8a10")

// ReferenceFor derives the X-Reference-Id for a transaction. Every attempt
// for the same transaction sends the same id, so MTN deduplicates retries.
func ReferenceFor(transactionID string) string {
	if transactionID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(referenceNamespace, []byte(transactionID)).String()
}

// Config is injected at construction.
type Config struct {
	BaseURL           string
	SubscriptionKey   string
	APIUser           string
	APIKey            string
	TargetEnvironment string
	CallbackURL       string
	WebhookSecret     string
	PayerMessage      string
	PayeeNote         string
}

// Adapter implements adapter.ProviderAdapter for MTN MoMo.
type Adapter struct {
	httpClient *http.Client
	cfg        Config

	// NewReference maps a transaction id to its X-Reference-Id. Overridable in tests.
	NewReference func(transactionID string) string
	now          func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New creates an Adapter. A nil client gets adapter.DefaultTimeout.
func New(cfg Config, client *http.Client) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TargetEnvironment == "" {
		cfg.TargetEnvironment = "sandbox"
	}
	return &Adapter{
		httpClient:   adapter.NewHTTPClient(client),
		cfg:          cfg,
		NewReference: ReferenceFor,
		now:          time.Now,
	}
}

func (a *Adapter) GetName() string { return Name }

// ValidateRequest requires a phone number: the prompt is sent to it.
func (a *Adapter) ValidateRequest(req adapter.InitiateRequest) error {
	if strings.TrimSpace(req.Payer.Phone) == "" {
		return fmt.Errorf("%w: phone number is required for MTN Mobile Money", payment.ErrValidation)
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (a *Adapter) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.accessToken != "" && a.now().Before(a.tokenExpiry) {
		return a.accessToken, nil
	}

	req, err := adapter.NewJSONRequest(ctx, http.MethodPost, a.cfg.BaseURL+"/collection/token/", nil)
	if err != nil {
		return "", fmt.Errorf("mtn_momo: build token request: %w", err)
	}
	req.SetBasicAuth(a.cfg.APIUser, a.cfg.APIKey)
	req.Header.Set("Ocp-Apim-Subscription-Key", a.cfg.SubscriptionKey)

	var tok tokenResponse
	if err := adapter.DoJSON(a.httpClient, Name, req, &tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("mtn_momo: %w: empty access token", payment.ErrProviderUnavailable)
	}
	a.accessToken = tok.AccessToken
	a.tokenExpiry = a.now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenSkew)
	return a.accessToken, nil
}

func (a *Adapter) newAuthorizedRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	tok, err := a.token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := adapter.NewJSONRequest(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("mtn_momo: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Ocp-Apim-Subscription-Key", a.cfg.SubscriptionKey)
	req.Header.Set("X-Target-Environment", a.cfg.TargetEnvironment)
	return req, nil
}

type party struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type requestToPay struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ExternalID   string `json:"externalId"`
	Payer        party  `json:"payer"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
}

// Initiate sends a request-to-pay. The X-Reference-Id becomes the provider
// reference and is stable per transaction. MTN rejects a reused id, so a
// rejection for a request it already holds counts as accepted.
func (a *Adapter) Initiate(ctx context.Context, req adapter.InitiateRequest) (adapter.ProviderHandle, error) {
	if err := a.ValidateRequest(req); err != nil {
		return adapter.ProviderHandle{}, fmt.Errorf("mtn_momo: %w: %v", payment.ErrInvalidRequest, err)
	}
	body := requestToPay{
		Amount:       strconv.FormatInt(req.Amount, 10),
		Currency:     strings.ToUpper(req.Currency),
		ExternalID:   req.Reference,
		Payer:        party{PartyIDType: "MSISDN", PartyID: req.Payer.Phone},
		PayerMessage: a.cfg.PayerMessage,
		PayeeNote:    a.cfg.PayeeNote,
	}
	httpReq, err := a.newAuthorizedRequest(ctx, http.MethodPost, "/collection/v1_0/requesttopay", body)
	if err != nil {
		return adapter.ProviderHandle{}, err
	}
	ref := a.NewReference(req.TransactionID)
	httpReq.Header.Set("X-Reference-Id", ref)
	if a.cfg.CallbackURL != "" {
		httpReq.Header.Set("X-Callback-Url", a.cfg.CallbackURL)
	}
	if err := adapter.DoJSON(a.httpClient, Name, httpReq, nil); err != nil {
		if !errors.Is(err, payment.ErrInvalidRequest) || req.TransactionID == "" {
			return adapter.ProviderHandle{}, err
		}
		if _, verr := a.Verify(ctx, ref); verr != nil {
			return adapter.ProviderHandle{}, err
		}
	}
	return adapter.ProviderHandle{
		Reference:    ref,
		Instructions: fmt.Sprintf("A payment request was sent to %s. Approve it on your phone to complete the payment.", req.Payer.Phone),
	}, nil
}

type statusResponse struct {
	ReferenceID            string `json:"referenceId"`
	ExternalID             string `json:"externalId"`
	FinancialTransactionID string `json:"financialTransactionId"`
	Amount                 string `json:"amount"`
	Status                 string `json:"status"`
	Reason                 any    `json:"reason,omitempty"`
}

// Verify reads the request-to-pay status.
func (a *Adapter) Verify(ctx context.Context, reference string) (adapter.ProviderStatus, error) {
	httpReq, err := a.newAuthorizedRequest(ctx, http.MethodGet,
		"/collection/v1_0/requesttopay/"+url.PathEscape(reference), nil)
	if err != nil {
		return adapter.ProviderStatus{}, err
	}
	var got statusResponse
	if err := adapter.DoJSON(a.httpClient, Name, httpReq, &got); err != nil {
		return adapter.ProviderStatus{}, err
	}
	return adapter.ProviderStatus{Reference: reference, Outcome: MapStatus(got.Status), RawStatus: got.Status}, nil
}

// ParseWebhook authenticates the callback with X-Callback-Signature. MTN
// callbacks echo our externalId, which is used when no referenceId is present.
func (a *Adapter) ParseWebhook(payload []byte, headers http.Header) (adapter.ParsedEvent, error) {
	if !adapter.VerifyHMAC(a.cfg.WebhookSecret, payload, headers.Get(SignatureHeader)) {
		return adapter.ParsedEvent{}, fmt.Errorf("mtn_momo: %w", payment.ErrInvalidSignature)
	}
	var p statusResponse
	if err := json.Unmarshal(payload, &p); err != nil {
		return adapter.ParsedEvent{}, fmt.Errorf("mtn_momo: %w: %v", payment.ErrMalformedPayload, err)
	}
	if p.Status == "" || (p.ReferenceID == "" && p.ExternalID == "") {
		return adapter.ParsedEvent{}, fmt.Errorf("mtn_momo: %w: missing status or reference", payment.ErrMalformedPayload)
	}
	amount, _ := strconv.ParseInt(p.Amount, 10, 64)
	ref := p.ReferenceID
	if ref == "" {
		ref = p.ExternalID
	}
	return adapter.ParsedEvent{
		EventID:           adapter.FallbackEventID(ref, p.Status, payload),
		ProviderReference: p.ReferenceID,
		LocalReference:    p.ExternalID,
		Outcome:           MapStatus(p.Status),
		RawStatus:         p.Status,
		Amount:            amount,
	}, nil
}

// MapStatus translates MTN request-to-pay statuses.
func MapStatus(status string) payment.Outcome {
	switch strings.ToUpper(status) {
	case "SUCCESSFUL":
		return payment.OutcomeSucceeded
	case "FAILED", "REJECTED", "TIMEOUT":
		return payment.OutcomeFailed
	case "CANCELLED":
		return payment.OutcomeCancelled
	case "PENDING":
		return payment.OutcomePending
	default:
		return payment.OutcomeUnknown
	}
}
