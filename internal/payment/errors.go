package payment

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for requests that fail local validation.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidRequest is a provider-side rejection of the request itself.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrProviderUnavailable covers transport errors, timeouts, 429 and 5xx.
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrMalformedPayload    = errors.New("malformed webhook payload")
	// ErrConflict is returned when a transition loses the race or is not allowed.
	ErrConflict = errors.New("transition conflict")
	ErrNotFound = errors.New("not found")
	// ErrPolicyViolation is the parent of every policy rejection.
	ErrPolicyViolation = errors.New("policy violation")
	ErrNotRefundable   = errors.New("transaction is not refundable")
	ErrUnknownProvider = errors.New("unknown provider")

	ErrDuplicateIdempotencyKey = fmt.Errorf("%w: idempotency key reused with a different payload", ErrPolicyViolation)
	ErrPolicyWindowExpired     = fmt.Errorf("%w: refund window expired", ErrPolicyViolation)
)
