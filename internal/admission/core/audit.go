// Package core provides audit recording and threat escalation.
package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"waitgate/internal/admission/observability"
)

// Severity classifies a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is an immutable audit record. Class groups related event
// types for escalation counting and is derived from Type when left empty.
type SecurityEvent struct {
	ID        string
	Type      string
	Class     string
	Severity  Severity
	ClientKey string
	At        time.Time
	Details   map[string]string
}

// Event classes used by the escalation policy table.
const (
	ClassAuthFailure       = "auth_failure"
	ClassValidationFailure = "validation_failure"
	ClassSignatureFailure  = "signature_failure"
	ClassPaymentFailure    = "payment_failure"
)

// EventClassOf maps an event type to its escalation class.
func EventClassOf(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "csrf_"), eventType == "admin_auth_failed":
		return ClassAuthFailure
	case strings.HasPrefix(eventType, "webhook_signature_"):
		return ClassSignatureFailure
	case eventType == "payment_failure":
		return ClassPaymentFailure
	case eventType == "validation_failed", strings.HasPrefix(eventType, "threat_signature_"):
		return ClassValidationFailure
	default:
		return ""
	}
}

// ThreatAlert is raised when a client crosses an event threshold inside a
// rolling window. Mutated only by acknowledgement.
type ThreatAlert struct {
	ID           string
	AlertType    string
	Severity     Severity
	WindowStart  time.Time
	WindowEnd    time.Time
	ClientKey    string
	EventCount   int64
	Acknowledged bool
}

// EventSink persists batches of security events.
type EventSink interface {
	WriteEvents(ctx context.Context, events []SecurityEvent) error
}

// EventQuery counts events for escalation decisions.
type EventQuery interface {
	CountEvents(ctx context.Context, clientKey, eventClass string, since time.Time) (int64, error)
}

// AlertStore persists threat alerts. CreateOnce must be idempotent per
// (clientKey, alertType, windowStart): repeated crossings inside one still
// open window create no duplicates.
type AlertStore interface {
	CreateOnce(ctx context.Context, alert ThreatAlert) (created bool, err error)
	List(ctx context.Context, onlyOpen bool) ([]ThreatAlert, error)
	Acknowledge(ctx context.Context, id string) error
}

// AlertPublisher fans new alerts out to operator tooling.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert ThreatAlert) error
}

// RecorderOptions tunes the audit queue and flush behavior.
type RecorderOptions struct {
	QueueSize    int
	BatchMaxSize int
	BatchMaxWait time.Duration
	FlushTimeout time.Duration
}

// Recorder accepts security events without ever blocking or failing the
// request path. Events flow through a bounded queue to a background worker;
// overflow drops the event and sink failures are swallowed and self-logged.
type Recorder struct {
	queue   chan SecurityEvent
	sink    EventSink
	opts    RecorderOptions
	clock   Clock
	logger  observability.Logger
	metrics observability.Metrics
	selfLog *rate.Limiter
	dropped atomic.Int64
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewRecorder constructs a recorder over the given sink.
func NewRecorder(sink EventSink, opts RecorderOptions, clock Clock, logger observability.Logger, metrics observability.Metrics) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.BatchMaxSize <= 0 {
		opts.BatchMaxSize = 128
	}
	if opts.BatchMaxWait <= 0 {
		opts.BatchMaxWait = 100 * time.Millisecond
	}
	if opts.FlushTimeout <= 0 || opts.FlushTimeout >= time.Second {
		opts.FlushTimeout = 500 * time.Millisecond
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Recorder{
		queue:   make(chan SecurityEvent, opts.QueueSize),
		sink:    sink,
		opts:    opts,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		// sink failures are reported at most once per 5s to keep a dead
		// sink from flooding the service log
		selfLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Record enqueues an event. Never blocks; on a full queue the event is
// dropped and counted.
func (rec *Recorder) Record(event SecurityEvent) {
	if rec == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = rec.clock.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityLow
	}
	if event.Class == "" {
		event.Class = EventClassOf(event.Type)
	}
	select {
	case rec.queue <- event:
	default:
		rec.dropped.Add(1)
		if rec.metrics != nil {
			rec.metrics.IncAuditDropped()
		}
	}
}

// Dropped returns the number of events dropped on overflow.
func (rec *Recorder) Dropped() int64 {
	if rec == nil {
		return 0
	}
	return rec.dropped.Load()
}

// Start launches the flush worker. The worker drains remaining events when
// ctx is cancelled, then exits.
func (rec *Recorder) Start(ctx context.Context) {
	if rec == nil || !rec.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rec.wg.Add(1)
	go rec.run(ctx)
}

// Wait blocks until the worker has exited.
func (rec *Recorder) Wait() {
	if rec == nil {
		return
	}
	rec.wg.Wait()
}

func (rec *Recorder) run(ctx context.Context) {
	defer rec.wg.Done()
	batch := make([]SecurityEvent, 0, rec.opts.BatchMaxSize)
	timer := time.NewTimer(rec.opts.BatchMaxWait)
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(rec.opts.BatchMaxWait)
	}

	flush := func() {
		if len(batch) == 0 {
			resetTimer()
			return
		}
		rec.flush(batch)
		batch = batch[:0]
		resetTimer()
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case event := <-rec.queue:
					batch = append(batch, event)
					if len(batch) >= rec.opts.BatchMaxSize {
						rec.flush(batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						rec.flush(batch)
					}
					return
				}
			}
		case event := <-rec.queue:
			batch = append(batch, event)
			if len(batch) >= rec.opts.BatchMaxSize {
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}

// flush writes one batch with a sub-second timeout. Failures never propagate.
func (rec *Recorder) flush(batch []SecurityEvent) {
	if rec.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rec.opts.FlushTimeout)
	defer cancel()
	if err := rec.sink.WriteEvents(ctx, batch); err != nil {
		if rec.metrics != nil {
			rec.metrics.IncStoreError("audit", "write")
		}
		if rec.logger != nil && rec.selfLog.Allow() {
			rec.logger.Error("audit sink unavailable", map[string]any{
				"error":   err.Error(),
				"dropped": len(batch),
			})
		}
	}
}

// EscalationPolicy is the per-class threshold table.
type EscalationPolicy struct {
	EventClass string
	Window     time.Duration
	Threshold  int64
}

// DefaultEscalationPolicies returns the built-in escalation table.
func DefaultEscalationPolicies() []EscalationPolicy {
	return []EscalationPolicy{
		{EventClass: ClassAuthFailure, Window: time.Hour, Threshold: 10},
		{EventClass: ClassValidationFailure, Window: time.Hour, Threshold: 20},
		{EventClass: ClassSignatureFailure, Window: time.Hour, Threshold: 5},
		{EventClass: ClassPaymentFailure, Window: 24 * time.Hour, Threshold: 5},
	}
}

// Assessment is the outcome of one escalation evaluation.
type Assessment struct {
	IsAttack   bool
	AlertLevel Severity
	EventCount int64
}

// Escalator evaluates per-client event frequency against thresholds and
// raises at most one alert per (clientKey, class, window).
type Escalator struct {
	policies  map[string]EscalationPolicy
	query     EventQuery
	alerts    AlertStore
	publisher AlertPublisher
	clock     Clock
	logger    observability.Logger
	metrics   observability.Metrics
}

// NewEscalator constructs an escalator with the given policy table.
func NewEscalator(policies []EscalationPolicy, query EventQuery, alerts AlertStore, publisher AlertPublisher, clock Clock, logger observability.Logger, metrics observability.Metrics) *Escalator {
	if clock == nil {
		clock = SystemClock{}
	}
	byClass := make(map[string]EscalationPolicy, len(policies))
	for _, policy := range policies {
		if policy.EventClass == "" || policy.Window <= 0 || policy.Threshold <= 0 {
			continue
		}
		byClass[policy.EventClass] = policy
	}
	return &Escalator{
		policies:  byClass,
		query:     query,
		alerts:    alerts,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

// Evaluate counts events of eventClass for clientKey inside the rolling
// lookback window and raises an alert when the threshold is crossed.
func (esc *Escalator) Evaluate(ctx context.Context, clientKey, eventClass string) (Assessment, error) {
	if esc == nil || esc.query == nil {
		return Assessment{}, errors.New("escalator is not configured")
	}
	policy, ok := esc.policies[eventClass]
	if !ok {
		return Assessment{}, nil
	}
	now := esc.clock.Now()
	since := now.Add(-policy.Window)
	count, err := esc.query.CountEvents(ctx, clientKey, eventClass, since)
	if err != nil {
		return Assessment{}, err
	}
	assessment := Assessment{EventCount: count}
	if count < policy.Threshold {
		return assessment, nil
	}
	assessment.IsAttack = true
	assessment.AlertLevel = SeverityHigh
	if count >= 2*policy.Threshold {
		assessment.AlertLevel = SeverityCritical
	}
	if esc.alerts == nil {
		return assessment, nil
	}
	// alert identity is keyed by the window start so repeated crossings
	// inside one open window collapse into a single alert
	windowStart := now.Truncate(policy.Window)
	alert := ThreatAlert{
		ID:          uuid.NewString(),
		AlertType:   eventClass,
		Severity:    assessment.AlertLevel,
		WindowStart: windowStart,
		WindowEnd:   windowStart.Add(policy.Window),
		ClientKey:   clientKey,
		EventCount:  count,
	}
	created, err := esc.alerts.CreateOnce(ctx, alert)
	if err != nil {
		if esc.logger != nil {
			esc.logger.Error("alert creation failed", map[string]any{"error": err.Error()})
		}
		return assessment, nil
	}
	if !created {
		return assessment, nil
	}
	if esc.metrics != nil {
		esc.metrics.IncThreatAlert(string(alert.Severity))
	}
	if esc.logger != nil {
		esc.logger.Info("threat alert raised", map[string]any{
			"alertType": alert.AlertType,
			"severity":  string(alert.Severity),
			"clientKey": clientKey,
			"count":     count,
		})
	}
	if esc.publisher != nil {
		if err := esc.publisher.PublishAlert(ctx, alert); err != nil && esc.logger != nil {
			esc.logger.Error("alert publish failed", map[string]any{"error": err.Error()})
		}
	}
	return assessment, nil
}
