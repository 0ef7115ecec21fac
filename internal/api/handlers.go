package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourorg/payment-reconciler/internal/orchestrator"
	"github.com/yourorg/payment-reconciler/internal/payment"
	"github.com/yourorg/payment-reconciler/internal/reporting"
	"github.com/yourorg/payment-reconciler/internal/router/circuitbreaker"
	"github.com/yourorg/payment-reconciler/internal/store"
	"github.com/yourorg/payment-reconciler/internal/sweeper"
	"github.com/yourorg/payment-reconciler/internal/webhook"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ConflictResponse is returned when a request lost to the transaction's
// current state, e.g. cancelling a completed payment.
type ConflictResponse struct {
	Error       string       `json:"error"`
	Message     string       `json:"message"`
	Transaction payment.View `json:"transaction"`
}

// WebhookResponse is the only body providers ever see.
type WebhookResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
}

// HealthResponse reports dependency state.
type HealthResponse struct {
	Status    string                          `json:"status"`
	Database  string                          `json:"database,omitempty"`
	Providers []circuitbreaker.ProviderStatus `json:"providers,omitempty"`
	LastSweep *sweeper.SweepReport            `json:"last_sweep,omitempty"`
}

// OrphanEvent is a webhook that matched no transaction.
type OrphanEvent struct {
	ID                string    `json:"id"`
	Provider          string    `json:"provider"`
	ExternalEventID   string    `json:"external_event_id"`
	ProviderReference string    `json:"provider_reference,omitempty"`
	RawStatus         string    `json:"raw_status,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

type refundRequest struct {
	Reason string `json:"reason"`
	Amount int64  `json:"amount"`
}

func badRequest(c *gin.Context, msg string, details ...string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Message: msg, Details: details})
}

func (s *Server) handleCreatePayment(c *gin.Context) {
	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if key == "" {
		badRequest(c, HeaderIdempotencyKey+" header is required")
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, "request body could not be read")
		return
	}
	if s.contracts != nil {
		valid, problems, err := s.contracts.Validate(contractPaymentRequest, body)
		if err != nil {
			badRequest(c, "request body is not valid JSON")
			return
		}
		if !valid {
			badRequest(c, "request does not match the payment request contract", problems...)
			return
		}
	}
	var req payment.Request
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, "request body is not valid JSON")
		return
	}
	req.IdempotencyKey = key

	view, created, err := s.payments.InitiatePayment(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !created {
		c.JSON(http.StatusOK, view)
		return
	}
	c.Header("Location", "/api/v1/payments/"+view.ID)
	c.JSON(http.StatusCreated, view)
}

func (s *Server) handleGetPayment(c *gin.Context) {
	view, err := s.payments.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleGetByReference(c *gin.Context) {
	view, err := s.payments.GetByReference(c.Request.Context(), strings.ToUpper(c.Param("reference")))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleListPayments(c *gin.Context) {
	f := store.Filter{
		PayerID:  c.Query("payer_id"),
		Provider: c.Query("provider"),
		Limit:    defaultListLimit,
	}
	for _, raw := range c.QueryArray("state") {
		for _, v := range strings.Split(raw, ",") {
			st := payment.State(strings.TrimSpace(v))
			if !st.Valid() {
				badRequest(c, fmt.Sprintf("unknown state %q", v))
				return
			}
			f.States = append(f.States, st)
		}
	}
	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		badRequest(c, err.Error())
		return
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		badRequest(c, err.Error())
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	views, err := s.payments.ListTransactions(c.Request.Context(), f)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": views, "count": len(views)})
}

func (s *Server) handleConflicts(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.payments.GetStatus(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	conflicts, err := s.payments.Conflicts(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if conflicts == nil {
		conflicts = []payment.Conflict{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

func (s *Server) handleRefund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request body must be a JSON object with a reason")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		badRequest(c, "reason is required")
		return
	}
	res, err := s.payments.RequestRefund(c.Request.Context(), c.Param("id"), req.Reason, req.Amount)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondTransition(c, res)
}

func (s *Server) handleCancel(c *gin.Context) {
	res, err := s.payments.CancelPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondTransition(c, res)
}

func (s *Server) respondTransition(c *gin.Context, res orchestrator.TransitionResult) {
	if res.Conflict {
		c.JSON(http.StatusConflict, ConflictResponse{
			Error:       "conflict",
			Message:     fmt.Sprintf("transaction is already %s", res.Transaction.State),
			Transaction: res.Transaction,
		})
		return
	}
	c.JSON(http.StatusOK, res.Transaction)
}

func (s *Server) handleStream(c *gin.Context) {
	if s.stream == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, ErrorResponse{Error: "stream_unavailable"})
		return
	}
	view, err := s.payments.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.stream.ServeWS(c.Writer, c.Request, view)
}

// handleWebhook acknowledges accepted deliveries with 200, refuses forged or
// malformed ones with 400 and asks for redelivery with 500 on transient
// failures. The body never carries internal detail.
func (s *Server) handleWebhook(c *gin.Context) {
	provider := c.Param("provider")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, WebhookResponse{Status: string(webhook.StatusRejected)})
		return
	}
	res, err := s.webhooks.Ingest(c.Request.Context(), provider, body, c.Request.Header)
	if err != nil {
		if res.Status == webhook.StatusRejected {
			c.AbortWithStatusJSON(http.StatusBadRequest, WebhookResponse{Status: string(webhook.StatusRejected)})
			return
		}
		s.logger.WithContext(c.Request.Context()).Error("webhook ingest failed",
			"provider", provider, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, WebhookResponse{Status: "error"})
		return
	}
	c.JSON(http.StatusOK, WebhookResponse{Status: string(res.Status), EventID: res.EventID})
}

func (s *Server) handleSummary(c *gin.Context) {
	if s.reports == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, ErrorResponse{Error: "reports_unavailable"})
		return
	}
	from, err := queryTime(c, "from")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	to, err := queryTime(c, "to")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	summary, err := s.reports.Summary(c.Request.Context(), reporting.Period{From: from, To: to, PayerID: c.Query("payer_id")})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handlePayerSummary(c *gin.Context) {
	if s.reports == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, ErrorResponse{Error: "reports_unavailable"})
		return
	}
	from, err := queryTime(c, "from")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	to, err := queryTime(c, "to")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	summary, err := s.reports.PayerSummary(c.Request.Context(), c.Param("payer_id"), from, to)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleOrphans(c *gin.Context) {
	if s.orphans == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, ErrorResponse{Error: "orphans_unavailable"})
		return
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	events, err := s.orphans.ListOrphanEvents(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	out := make([]OrphanEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, OrphanEvent{
			ID:                ev.ID,
			Provider:          ev.Provider,
			ExternalEventID:   ev.ExternalEventID,
			ProviderReference: ev.ProviderReference,
			RawStatus:         ev.RawStatus,
			ReceivedAt:        ev.ReceivedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK
	if s.database != nil {
		if err := s.database.Ping(c.Request.Context()); err != nil {
			s.logger.WithContext(c.Request.Context()).Error("database ping failed", "error", err)
			resp.Status, resp.Database = "degraded", "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}
	if s.breakers != nil {
		resp.Providers = s.breakers.Snapshot()
	}
	if s.sweeps != nil {
		if report, ok := s.sweeps.LastReport(); ok {
			resp.LastSweep = &report
		}
	}
	c.JSON(status, resp)
}

// queryTime parses an RFC 3339 timestamp or a YYYY-MM-DD date (UTC midnight).
func queryTime(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, errors.New(name + " must be an RFC 3339 timestamp or a YYYY-MM-DD date")
}
