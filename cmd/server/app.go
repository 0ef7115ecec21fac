package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/yourorg/payment-reconciler/internal/adapter"
	"github.com/yourorg/payment-reconciler/internal/adapter/fedapay"
	adaptermock "github.com/yourorg/payment-reconciler/internal/adapter/mock"
	"github.com/yourorg/payment-reconciler/internal/adapter/moov"
	"github.com/yourorg/payment-reconciler/internal/adapter/mtnmomo"
	"github.com/yourorg/payment-reconciler/internal/api"
	"github.com/yourorg/payment-reconciler/internal/collaborator"
	"github.com/yourorg/payment-reconciler/internal/config"
	"github.com/yourorg/payment-reconciler/internal/events"
	"github.com/yourorg/payment-reconciler/internal/messaging"
	"github.com/yourorg/payment-reconciler/internal/monitor"
	"github.com/yourorg/payment-reconciler/internal/notify"
	"github.com/yourorg/payment-reconciler/internal/observability"
	"github.com/yourorg/payment-reconciler/internal/orchestrator"
	"github.com/yourorg/payment-reconciler/internal/payment"
	"github.com/yourorg/payment-reconciler/internal/policy"
	"github.com/yourorg/payment-reconciler/internal/reporting"
	"github.com/yourorg/payment-reconciler/internal/router"
	"github.com/yourorg/payment-reconciler/internal/router/circuitbreaker"
	"github.com/yourorg/payment-reconciler/internal/store"
	"github.com/yourorg/payment-reconciler/internal/sweeper"
	"github.com/yourorg/payment-reconciler/internal/webhook"
)

// app holds every long-lived component of a running reconciler.
type app struct {
	cfg        *config.Config
	logger     *observability.Logger
	store      store.Store
	router     *router.Router
	orch       *orchestrator.Orchestrator
	sweeper    *sweeper.Sweeper
	dispatcher *notify.Dispatcher
	server     *api.Server

	closers []func() error
}

// newApp wires the reconciler from cfg. Close releases whatever was opened,
// including on a partial failure.
func newApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var database api.Pinger
	if cfg.Database.DSN != "" {
		if cfg.Database.AutoMigrate {
			if err := store.Migrate(ctx, cfg.Database.DSN); err != nil {
				return nil, err
			}
		}
		pg, err := store.NewPostgresStore(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		a.store, database = pg, pg
	} else {
		logger.Warn("no database configured, transactions are kept in memory only")
		a.store = store.NewMemoryStore()
	}

	adapters, err := buildAdapters(cfg.Providers, &http.Client{Timeout: cfg.Router.HTTPTimeout})
	if err != nil {
		return nil, err
	}
	registry, err := adapter.NewRegistry(adapters...)
	if err != nil {
		return nil, err
	}
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		FailureThreshold: cfg.Router.BreakerThreshold,
		ResetTimeout:     cfg.Router.BreakerReset,
	})
	a.router = router.New(registry, breaker, router.Config{
		MaxAttempts:     cfg.Router.MaxAttempts,
		InitialInterval: cfg.Router.InitialInterval,
		MaxInterval:     cfg.Router.MaxInterval,
	}, logger)
	logger.Info("providers registered", slog.Any("providers", a.router.Providers()))

	refundPolicy, err := policy.NewRefundPolicy(cfg.Refund.Window, cfg.Refund.Rules)
	if err != nil {
		return nil, fmt.Errorf("refund policy: %w", err)
	}

	hub := events.NewHub(logger)
	publishers := events.Fanout{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := messaging.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, messaging.Encoding(cfg.Kafka.Encoding))
		a.closers = append(a.closers, kp.Close)
		publishers = append(publishers, kp)
	}

	a.dispatcher = notify.NewDispatcher(a.notificationSink(), notify.Config{
		QueueSize:   cfg.Notify.QueueSize,
		Workers:     cfg.Notify.Workers,
		MaxAttempts: cfg.Notify.MaxAttempts,
	}, logger)
	a.dispatcher.Start()
	a.closers = append(a.closers, func() error { a.dispatcher.Stop(); return nil })

	collab := orchestrator.Collaborators{Notifier: a.dispatcher, Publisher: publishers}
	if cfg.Booking.BaseURL != "" {
		collab.Booking = collaborator.NewBookingClient(cfg.Booking.BaseURL, cfg.Booking.APIKey, cfg.Booking.Timeout)
	}
	a.orch = orchestrator.New(a.store, a.router, refundPolicy, collab, orchestrator.Config{}, logger)

	contracts, err := monitor.NewDefaultContractMonitor()
	if err != nil {
		return nil, err
	}
	opts := []webhook.Option{webhook.WithContractMonitor(contracts)}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		opts = append(opts, webhook.WithMarker(webhook.NewRedisMarker(client, cfg.Redis.MarkerTTL)))
	}
	ingestor := webhook.NewIngestor(a.router, a.store, a.orch, logger, opts...)

	a.sweeper = sweeper.New(a.store, a.router, a.orch, sweeper.Config{
		Interval:           cfg.Sweeper.Interval,
		FreshnessThreshold: cfg.Sweeper.FreshnessThreshold,
		MaxPendingAge:      cfg.Sweeper.MaxPendingAge,
		BatchSize:          cfg.Sweeper.BatchSize,
		Concurrency:        cfg.Sweeper.Concurrency,
	}, logger)

	a.server = api.NewServer(api.Deps{
		Payments:     a.orch,
		Webhooks:     ingestor,
		Stream:       hub,
		Reports:      reporting.NewReporter(a.store),
		Breakers:     breaker,
		Sweeps:       a.sweeper,
		Orphans:      a.store,
		Database:     database,
		Contracts:    contracts,
		Logger:       logger,
		ServiceName:  serviceName,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	return a, nil
}

// notificationSink publishes to RabbitMQ when configured. A broker that
// cannot be reached at startup degrades to logging.
func (a *app) notificationSink() notify.Sink {
	if a.cfg.RabbitMQ.URL == "" {
		return notify.NewLogSink(a.logger)
	}
	client, err := messaging.NewRabbitMQClient(messaging.RabbitConfig{URL: a.cfg.RabbitMQ.URL}, a.logger)
	if err == nil {
		err = client.DeclareQueueWithDLQ(a.cfg.RabbitMQ.Queue)
		a.closers = append(a.closers, client.Close)
	}
	if err != nil {
		a.logger.Error("notification broker unavailable, notifications will be logged", slog.Any("error", err))
		return notify.NewLogSink(a.logger)
	}
	return notify.NewQueueSink(client, a.cfg.RabbitMQ.Queue, func(ev payment.Event) ([]byte, error) {
		return messaging.EncodeEvent(ev, messaging.EncodingJSON)
	})
}

func buildAdapters(cfg config.ProvidersConfig, client *http.Client) ([]adapter.ProviderAdapter, error) {
	var out []adapter.ProviderAdapter
	if p := cfg.FedaPay; p.Enabled {
		out = append(out, fedapay.New(fedapay.Config{
			BaseURL:       p.BaseURL,
			APIKey:        p.APIKey,
			WebhookSecret: p.WebhookSecret,
			CallbackURL:   p.CallbackURL,
			Country:       p.Country,
		}, client))
	}
	if p := cfg.MTNMoMo; p.Enabled {
		out = append(out, mtnmomo.New(mtnmomo.Config{
			BaseURL:           p.BaseURL,
			SubscriptionKey:   p.SubscriptionKey,
			APIUser:           p.APIUser,
			APIKey:            p.APIKey,
			TargetEnvironment: p.TargetEnvironment,
			CallbackURL:       p.CallbackURL,
			WebhookSecret:     p.WebhookSecret,
			PayerMessage:      p.PayerMessage,
			PayeeNote:         p.PayeeNote,
		}, client))
	}
	if p := cfg.Moov; p.Enabled {
		out = append(out, moov.New(moov.Config{
			BaseURL:       p.BaseURL,
			APIKey:        p.APIKey,
			WebhookSecret: p.WebhookSecret,
			CallbackURL:   p.CallbackURL,
		}, client))
	}
	if cfg.Mock {
		out = append(out, adaptermock.NewMockAdapter("mock"))
	}
	if len(out) == 0 {
		return nil, errors.New("no payment provider is enabled")
	}
	return out, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown step failed", slog.Any("error", err))
		}
	}
	a.closers = nil
}
