// Package app wires application dependencies.
package app

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"

	"waitgate/internal/admission/config"
	"waitgate/internal/admission/core"
	"waitgate/internal/admission/observability"
	"waitgate/internal/admission/publish"
	"waitgate/internal/admission/store/inmemory"
	"waitgate/internal/admission/store/postgres"
	redisstore "waitgate/internal/admission/store/redis"
	httptransport "waitgate/internal/admission/transport/http"
)

// Application holds core components for the service.
type Application struct {
	Config       *config.Config
	Classes      *core.ClassRegistry
	Limiter      *core.RateLimiter
	Verifier     *core.Verifier
	Seats        *core.SeatController
	Recorder     *core.Recorder
	Escalator    *core.Escalator
	Orchestrator *core.Orchestrator
	Applications *core.ApplicationService
	Webhooks     *core.WebhookProcessor
	Admin        *core.AdminHandler

	metrics   *observability.PromMetrics
	logger    observability.Logger
	transport *httptransport.HTTPTransport
	counters  *inmemory.CounterStore
	redis     *goredis.Client
	db        *postgres.DB
	publisher *publish.AMQPPublisher

	ready  atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication validates configuration and prepares the application.
// Redis, Postgres and AMQP are optional; without them the service runs on
// in-process stores suitable for a single instance.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := observability.Logger(observability.NewStdLogger(os.Stderr))
	metrics := observability.NewPromMetrics()
	clock := core.SystemClock{}

	app := &Application{
		Config:  cfg,
		metrics: metrics,
		logger:  logger,
	}

	var counterStore core.CounterStore
	var seatStore core.SeatStore
	var idempotency core.IdempotencyStore

	if cfg.RedisAddr != "" {
		app.redis = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		counterStore = redisstore.NewCounterStore(app.redis)
		seatStore = redisstore.NewSeatStore(app.redis)
		idempotency = redisstore.NewIdempotencyStore(app.redis, 0)
	} else {
		app.counters = inmemory.NewCounterStore(inmemory.WithGrace(cfg.CounterGrace))
		counterStore = app.counters
		seatStore = inmemory.NewSeatStore()
	}

	var sink core.EventSink
	var query core.EventQuery
	var alerts core.AlertStore
	var ledger core.ReservationLedger

	if cfg.PostgresDSN != "" {
		db, err := postgres.Connect(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		app.db = db
		pgLedger := postgres.NewLedger(db)
		sink = pgLedger
		query = pgLedger
		alerts = pgLedger
		ledger = pgLedger
		if idempotency == nil {
			idempotency = pgLedger
		}
	} else {
		auditDB := inmemory.NewAuditDB()
		sink = auditDB
		query = auditDB
		alerts = auditDB
		ledger = auditDB
		if idempotency == nil {
			idempotency = auditDB
		}
	}

	var alertBus core.AlertPublisher
	if cfg.AMQPURL != "" {
		publisher, err := publish.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return nil, err
		}
		app.publisher = publisher
		alertBus = publisher
	} else {
		alertBus = inmemory.NewAlertBus()
	}

	breaker := core.NewBreaker(cfg.BreakerOptions)
	classes := core.NewClassRegistry(core.DefaultLimitClasses())
	limiter := core.NewRateLimiter(classes, counterStore, breaker, clock, metrics, logger)

	recorder := core.NewRecorder(sink, cfg.AuditOptions, clock, logger, metrics)
	escalator := core.NewEscalator(core.DefaultEscalationPolicies(), query, alerts, alertBus, clock, logger, metrics)

	verifier, err := core.NewVerifier([]byte(cfg.WebhookSecret), cfg.SignatureTolerance, clock, recorder, metrics)
	if err != nil {
		return nil, err
	}

	waves, err := cfg.CoreWaves()
	if err != nil {
		return nil, err
	}
	seatBreaker := core.NewBreaker(cfg.BreakerOptions)
	seats, err := core.NewSeatController(waves, seatStore, seatBreaker, clock, metrics, logger)
	if err != nil {
		return nil, err
	}

	orchestrator, err := core.NewOrchestrator(limiter, verifier, recorder, escalator,
		core.DefaultThreatSignatures(), cfg.AdminToken, clock, metrics, logger)
	if err != nil {
		return nil, err
	}

	applications, err := core.NewApplicationService(seats, ledger, clock, logger)
	if err != nil {
		return nil, err
	}
	webhooks, err := core.NewWebhookProcessor(seats, ledger, idempotency, recorder, escalator, clock, logger)
	if err != nil {
		return nil, err
	}
	admin := core.NewAdminHandler(classes, alerts, seats, ledger, clock)

	app.Classes = classes
	app.Limiter = limiter
	app.Verifier = verifier
	app.Seats = seats
	app.Recorder = recorder
	app.Escalator = escalator
	app.Orchestrator = orchestrator
	app.Applications = applications
	app.Webhooks = webhooks
	app.Admin = admin

	transport := httptransport.NewHTTPTransport(cfg.HTTPListenAddr, app.Ready,
		httptransport.WithTrustForwarded(cfg.TrustForwarded),
		httptransport.WithSecureCookies(cfg.SecureCookies),
		httptransport.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httptransport.WithMetrics(metrics),
		httptransport.WithLogger(logger),
	)
	if err := transport.Configure(httptransport.Services{
		Orchestrator: orchestrator,
		Applications: applications,
		Seats:        seats,
		Webhooks:     webhooks,
		Verifier:     verifier,
		Admin:        admin,
	}); err != nil {
		return nil, err
	}
	app.transport = transport

	return app, nil
}

// Start begins background work for the application.
func (app *Application) Start(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	if app.db != nil && app.Config.MigrationPath != "" {
		if err := app.db.RunMigration(ctx, app.Config.MigrationPath); err != nil {
			return err
		}
	}

	app.Recorder.Start(ctx)
	if app.counters != nil {
		app.counters.StartJanitor(ctx, app.Config.JanitorEvery)
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.transport.Start(); err != nil {
			app.logger.Error("http transport stopped", map[string]any{"error": err.Error()})
		}
	}()

	app.ready.Store(true)
	return nil
}

// Shutdown stops accepting work, drains in-flight requests and flushes the
// audit queue.
func (app *Application) Shutdown(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	app.ready.Store(false)

	if app.transport != nil {
		_ = app.transport.Shutdown(ctx)
	}
	if app.cancel != nil {
		app.cancel()
	}
	if app.Recorder != nil {
		app.Recorder.Wait()
	}
	if app.publisher != nil {
		_ = app.publisher.Close()
	}
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if app.db != nil {
		app.db.Close()
	}

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the application has completed startup and its
// backing stores answer health checks.
func (app *Application) Ready() bool {
	if app == nil || !app.ready.Load() {
		return false
	}
	if app.db != nil {
		if err := app.db.Ready(context.Background()); err != nil {
			return false
		}
	}
	return true
}
