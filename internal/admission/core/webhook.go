// Package core provides payment webhook processing.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"waitgate/internal/admission/observability"
)

// Payment event types accepted from the processor.
const (
	PaymentSucceeded = "payment.succeeded"
	PaymentFailed    = "payment.failed"
)

// Reservation statuses tracked in the ledger.
const (
	ReservationPending   = "pending"
	ReservationConfirmed = "confirmed"
	ReservationFailed    = "failed"
)

// Reservation is one granted seat awaiting payment settlement. The ledger is
// the authoritative record reconciliation recomputes filled counters from.
type Reservation struct {
	ID        string
	WaveID    int64
	ClientKey string
	Status    string
	CreatedAt time.Time
}

// ReservationLedger persists reservations and their settlement status.
type ReservationLedger interface {
	Append(ctx context.Context, res Reservation) error
	SetStatus(ctx context.Context, id, status string) error
	ConfirmedCount(ctx context.Context, waveID int64) (int64, error)
}

// IdempotencyStore remembers processed webhook event ids. MarkProcessed
// returns false when the id was already seen; Forget releases a claim so a
// failed delivery can be retried.
type IdempotencyStore interface {
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// PaymentEvent is the payload of a verified payment webhook.
type PaymentEvent struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	WaveID        int64  `json:"waveId"`
	ReservationID string `json:"reservationId"`
}

// WebhookProcessor applies verified payment events. Processing is idempotent
// per event id; replays of an already applied event are acknowledged without
// touching state.
type WebhookProcessor struct {
	seats     *SeatController
	ledger    ReservationLedger
	processed IdempotencyStore
	recorder  *Recorder
	escalator *Escalator
	clock     Clock
	logger    observability.Logger
}

// NewWebhookProcessor constructs a processor.
func NewWebhookProcessor(seats *SeatController, ledger ReservationLedger, processed IdempotencyStore, recorder *Recorder, escalator *Escalator, clock Clock, logger observability.Logger) (*WebhookProcessor, error) {
	if seats == nil {
		return nil, errors.New("seat controller is required")
	}
	if processed == nil {
		return nil, errors.New("idempotency store is required")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &WebhookProcessor{
		seats:     seats,
		ledger:    ledger,
		processed: processed,
		recorder:  recorder,
		escalator: escalator,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Process parses and applies one verified event body. The caller must have
// verified the signature over these exact bytes first.
func (wp *WebhookProcessor) Process(ctx context.Context, rawBody []byte, clientKey string) error {
	if wp == nil {
		return errors.New("webhook processor is nil")
	}
	var event PaymentEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return ErrValidationFailed
	}
	if event.ID == "" || event.Type == "" {
		return ErrValidationFailed
	}
	first, err := wp.processed.MarkProcessed(ctx, event.ID)
	if err != nil {
		return err
	}
	if !first {
		if wp.logger != nil {
			wp.logger.Info("webhook replayed, already processed", map[string]any{"eventID": event.ID})
		}
		return nil
	}
	if err := wp.apply(ctx, event, clientKey); err != nil {
		// the claim must not survive a failed apply, or the processor's
		// retry of the same event would be swallowed as a replay
		if ferr := wp.processed.Forget(ctx, event.ID); ferr != nil && wp.logger != nil {
			wp.logger.Error("idempotency claim rollback failed", map[string]any{
				"eventID": event.ID,
				"error":   ferr.Error(),
			})
		}
		return err
	}
	return nil
}

func (wp *WebhookProcessor) apply(ctx context.Context, event PaymentEvent, clientKey string) error {
	switch event.Type {
	case PaymentSucceeded:
		if wp.ledger != nil && event.ReservationID != "" {
			if err := wp.ledger.SetStatus(ctx, event.ReservationID, ReservationConfirmed); err != nil {
				return err
			}
		}
	case PaymentFailed:
		if wp.ledger != nil && event.ReservationID != "" {
			if err := wp.ledger.SetStatus(ctx, event.ReservationID, ReservationFailed); err != nil {
				return err
			}
		}
		// a failed payment returns the granted seat to the wave
		if err := wp.seats.Release(ctx, event.WaveID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if wp.recorder != nil {
			wp.recorder.Record(SecurityEvent{
				Type:      "payment_failure",
				Severity:  SeverityMedium,
				ClientKey: clientKey,
				At:        wp.clock.Now(),
				Details:   map[string]string{"eventID": event.ID},
			})
		}
		if wp.escalator != nil {
			if _, err := wp.escalator.Evaluate(ctx, clientKey, ClassPaymentFailure); err != nil && wp.logger != nil {
				wp.logger.Error("escalation evaluation failed", map[string]any{"error": err.Error()})
			}
		}
	default:
		// unrecognized event types are acknowledged and skipped
		if wp.logger != nil {
			wp.logger.Info("webhook event ignored", map[string]any{"type": event.Type})
		}
	}
	return nil
}
