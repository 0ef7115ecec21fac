package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Request asks for a new payment. IdempotencyKey is excluded from the hash so
// a replay with the same body hashes identically.
type Request struct {
	PayerID        string  `json:"payer_id"`
	Payer          Contact `json:"payer"`
	Amount         int64   `json:"amount"`
	Currency       string  `json:"currency"`
	Purpose        Purpose `json:"purpose"`
	CorrelationID  string  `json:"correlation_id"`
	Provider       string  `json:"provider"`
	Description    string  `json:"description,omitempty"`
	IdempotencyKey string  `json:"-"`
}

// Validate checks the provider-independent fields.
func (r Request) Validate() error {
	var problems []string
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		problems = append(problems, "idempotency key is required")
	}
	if r.PayerID == "" {
		problems = append(problems, "payer_id is required")
	}
	if r.Amount <= 0 {
		problems = append(problems, "amount must be positive")
	}
	if len(r.Currency) != 3 {
		problems = append(problems, "currency must be an ISO 4217 code")
	}
	if !r.Purpose.Valid() {
		problems = append(problems, fmt.Sprintf("unknown purpose %q", r.Purpose))
	}
	if r.CorrelationID == "" {
		problems = append(problems, "correlation_id is required")
	}
	if r.Provider == "" {
		problems = append(problems, "provider is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Hash fingerprints the payload for idempotency comparisons.
func (r Request) Hash() string {
	r.Currency = strings.ToUpper(r.Currency)
	b, _ := json.Marshal(r)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// NewReference returns a human-facing reference of the form PAYXXXXXXXXXX.
func NewReference() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "PAY" + strings.ToUpper(raw[:10])
}
