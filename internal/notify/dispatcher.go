// Package notify delivers terminal-transition notifications off the request
// path. Notify enqueues; a fixed pool of workers delivers to a Sink with
// bounded retries.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yourorg/payment-reconciler/internal/observability"
	"github.com/yourorg/payment-reconciler/internal/payment"
	"github.com/yourorg/payment-reconciler/internal/reqctx"
)

// ErrQueueFull is returned when the dispatcher cannot accept more work.
var ErrQueueFull = errors.New("notify: queue full")

// ErrStopped is returned by Notify after Stop.
var ErrStopped = errors.New("notify: dispatcher stopped")

// Sink delivers one event.
type Sink interface {
	Deliver(ctx context.Context, ev payment.Event) error
}

// Config sizes the dispatcher.
type Config struct {
	QueueSize       int
	Workers         int
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// DeliveryTimeout bounds each delivery attempt.
	DeliveryTimeout time.Duration
}

type task struct {
	ctx context.Context
	ev  payment.Event
}

// Dispatcher is a bounded queue in front of a Sink.
type Dispatcher struct {
	sink   Sink
	cfg    Config
	logger *observability.Logger
	queue  chan task

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Call Start before Notify.
func NewDispatcher(sink Sink, cfg Config, logger *observability.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	return &Dispatcher{
		sink:   sink,
		cfg:    cfg,
		logger: logger.Component("notify"),
		queue:  make(chan task, cfg.QueueSize),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

// Stop stops accepting events, drains the queue and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Notify enqueues ev without waiting for delivery. It implements the
// orchestrator's Notifier.
func (d *Dispatcher) Notify(ctx context.Context, ev payment.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- task{ctx: reqctx.Detached(ctx), ev: ev}:
		return nil
	default:
		observability.NotificationsTotal.WithLabelValues("dropped").Inc()
		d.logger.WithContext(ctx).Error("notification queue full, dropping event",
			slog.String("transaction_id", ev.TransactionID), slog.String("type", ev.Type))
		return ErrQueueFull
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for t := range d.queue {
		d.deliver(t)
	}
}

func (d *Dispatcher) deliver(t task) {
	log := d.logger.WithContext(t.ctx).With(
		slog.String("transaction_id", t.ev.TransactionID), slog.String("type", t.ev.Type))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval
	b.MaxInterval = d.cfg.MaxInterval
	attempt := 0
	_, err := backoff.Retry(t.ctx, func() (struct{}, error) {
		attempt++
		ctx, cancel := context.WithTimeout(t.ctx, d.cfg.DeliveryTimeout)
		defer cancel()
		if err := d.sink.Deliver(ctx, t.ev); err != nil {
			log.Warn("notification delivery failed", slog.Int("attempt", attempt), slog.Any("error", err))
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(d.cfg.MaxAttempts))
	if err != nil {
		observability.NotificationsTotal.WithLabelValues("failed").Inc()
		log.Error("notification abandoned", slog.Int("attempts", attempt), slog.Any("error", err))
		return
	}
	observability.NotificationsTotal.WithLabelValues("delivered").Inc()
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// LogSink writes events to the structured log. Used when no broker is configured.
type LogSink struct {
	logger *observability.Logger
}

// NewLogSink returns a LogSink.
func NewLogSink(logger *observability.Logger) *LogSink {
	return &LogSink{logger: logger.Component("notify")}
}

func (s *LogSink) Deliver(ctx context.Context, ev payment.Event) error {
	s.logger.WithContext(ctx).Info("transaction notification",
		slog.String("type", ev.Type), slog.String("transaction_id", ev.TransactionID),
		slog.String("payer_id", ev.PayerID), slog.String("state", string(ev.State)),
		slog.Int64("amount", ev.Amount), slog.String("currency", ev.Currency))
	return nil
}

// QueuePublisher publishes a raw message to a named queue.
type QueuePublisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// QueueSink hands events to the notification service through a broker queue.
type QueueSink struct {
	publisher QueuePublisher
	queue     string
	encode    func(payment.Event) ([]byte, error)
}

// NewQueueSink returns a QueueSink publishing JSON-encoded events to queue.
func NewQueueSink(publisher QueuePublisher, queue string, encode func(payment.Event) ([]byte, error)) *QueueSink {
	return &QueueSink{publisher: publisher, queue: queue, encode: encode}
}

func (s *QueueSink) Deliver(ctx context.Context, ev payment.Event) error {
	body, err := s.encode(ev)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("notify: encode event: %w", err))
	}
	return s.publisher.Publish(ctx, s.queue, body)
}
