package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourorg/payment-reconciler/internal/payment"
)

// ErrorResponse is the body of every non-2xx payment API response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

// classify maps a domain error to a status and a stable error code. Order
// matters: the idempotency and window errors wrap ErrPolicyViolation.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, payment.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, payment.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, payment.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "idempotency_key_reused"
	case errors.Is(err, payment.ErrPolicyWindowExpired):
		return http.StatusUnprocessableEntity, "refund_window_expired"
	case errors.Is(err, payment.ErrPolicyViolation):
		return http.StatusUnprocessableEntity, "policy_violation"
	case errors.Is(err, payment.ErrNotRefundable):
		return http.StatusConflict, "not_refundable"
	case errors.Is(err, payment.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, payment.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, "provider_rejected"
	case errors.Is(err, payment.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "provider_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// respondError writes err. Server-side failures are logged and never echo
// the underlying error to the client.
func (s *Server) respondError(c *gin.Context, err error) {
	status, code := classify(err)
	body := ErrorResponse{Error: code}
	if status >= http.StatusInternalServerError {
		s.logger.WithContext(c.Request.Context()).Error("request failed",
			"route", c.FullPath(), "error", err)
		if status == http.StatusServiceUnavailable {
			body.Message = "payment provider is temporarily unavailable, retry later"
		}
	} else {
		body.Message = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}
