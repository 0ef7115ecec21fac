// Package api exposes the reconciler over HTTP: payment operations for the
// platform, provider webhooks, reports, health and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yourorg/payment-reconciler/internal/monitor"
	"github.com/yourorg/payment-reconciler/internal/observability"
	"github.com/yourorg/payment-reconciler/internal/orchestrator"
	"github.com/yourorg/payment-reconciler/internal/payment"
	"github.com/yourorg/payment-reconciler/internal/reporting"
	"github.com/yourorg/payment-reconciler/internal/router/circuitbreaker"
	"github.com/yourorg/payment-reconciler/internal/store"
	"github.com/yourorg/payment-reconciler/internal/sweeper"
	"github.com/yourorg/payment-reconciler/internal/webhook"
)

// HeaderIdempotencyKey carries the client's idempotency key on payment creation.
const HeaderIdempotencyKey = "Idempotency-Key"

const contractPaymentRequest = "payment_request"

// Payments is the orchestrator surface the API drives.
type Payments interface {
	InitiatePayment(ctx context.Context, req payment.Request) (payment.View, bool, error)
	GetStatus(ctx context.Context, id string) (payment.View, error)
	GetByReference(ctx context.Context, reference string) (payment.View, error)
	ListTransactions(ctx context.Context, f store.Filter) ([]payment.View, error)
	RequestRefund(ctx context.Context, id, reason string, amount int64) (orchestrator.TransitionResult, error)
	CancelPayment(ctx context.Context, id string) (orchestrator.TransitionResult, error)
	Conflicts(ctx context.Context, id string) ([]payment.Conflict, error)
}

// Webhooks ingests provider deliveries.
type Webhooks interface {
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (webhook.Result, error)
}

// Streamer pushes a transaction's state changes over a websocket.
type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, snapshot payment.View)
}

// Reports builds reconciliation and payer summaries.
type Reports interface {
	Summary(ctx context.Context, p reporting.Period) (*reporting.Summary, error)
	PayerSummary(ctx context.Context, payerID string, from, to time.Time) (*reporting.PayerSummary, error)
}

// Breakers exposes provider circuit state.
type Breakers interface {
	Snapshot() []circuitbreaker.ProviderStatus
}

// Sweeps exposes the last reconciliation pass.
type Sweeps interface {
	LastReport() (sweeper.SweepReport, bool)
}

// Orphans lists webhook events that matched no transaction.
type Orphans interface {
	ListOrphanEvents(ctx context.Context, limit int) ([]*payment.WebhookEvent, error)
}

// Pinger checks a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the server. Payments and Webhooks are required; the rest are
// optional and their routes degrade when nil.
type Deps struct {
	Payments  Payments
	Webhooks  Webhooks
	Stream    Streamer
	Reports   Reports
	Breakers  Breakers
	Sweeps    Sweeps
	Orphans   Orphans
	Database  Pinger
	Contracts *monitor.ContractMonitor
	Logger    *observability.Logger
	// ServiceName names the otelgin spans.
	ServiceName  string
	MaxBodyBytes int64
}

// Server is the HTTP surface.
type Server struct {
	payments  Payments
	webhooks  Webhooks
	stream    Streamer
	reports   Reports
	breakers  Breakers
	sweeps    Sweeps
	orphans   Orphans
	database  Pinger
	contracts *monitor.ContractMonitor
	logger    *observability.Logger
	maxBody   int64
	router    *gin.Engine
}

// NewServer builds the gin engine and registers every route.
func NewServer(d Deps) *Server {
	if d.Payments == nil || d.Webhooks == nil {
		panic("api: payments and webhooks are required")
	}
	if d.ServiceName == "" {
		d.ServiceName = "payment-reconciler"
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}
	logger := d.Logger.Component("api")

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), otelgin.Middleware(d.ServiceName), instrument(logger))

	s := &Server{
		payments:  d.Payments,
		webhooks:  d.Webhooks,
		stream:    d.Stream,
		reports:   d.Reports,
		breakers:  d.Breakers,
		sweeps:    d.Sweeps,
		orphans:   d.Orphans,
		database:  d.Database,
		contracts: d.Contracts,
		logger:    logger,
		maxBody:   d.MaxBodyBytes,
		router:    router,
	}

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/webhooks/:provider", s.limitBody, s.handleWebhook)

	v1 := router.Group("/api/v1")
	{
		payments := v1.Group("/payments")
		payments.POST("", s.limitBody, s.handleCreatePayment)
		payments.GET("", s.handleListPayments)
		payments.GET("/ref/:reference", s.handleGetByReference)
		payments.GET("/:id", s.handleGetPayment)
		payments.GET("/:id/conflicts", s.handleConflicts)
		payments.GET("/:id/stream", s.handleStream)
		payments.POST("/:id/refund", s.limitBody, s.handleRefund)
		payments.POST("/:id/cancel", s.handleCancel)

		v1.GET("/payers/:payer_id/summary", s.handlePayerSummary)
		v1.GET("/reports/summary", s.handleSummary)
		v1.GET("/webhooks/orphans", s.handleOrphans)
	}
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)
	c.Next()
}
