// Package core provides the application submission service.
package core

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"waitgate/internal/admission/observability"
)

// ApplicationService couples a seat grant with its ledger record. A granted
// seat is never held softly: the reservation lands in the ledger in the same
// call, and a ledger failure releases the seat again.
type ApplicationService struct {
	seats  *SeatController
	ledger ReservationLedger
	clock  Clock
	logger observability.Logger
}

// NewApplicationService constructs the service.
func NewApplicationService(seats *SeatController, ledger ReservationLedger, clock Clock, logger observability.Logger) (*ApplicationService, error) {
	if seats == nil {
		return nil, errors.New("seat controller is required")
	}
	if ledger == nil {
		return nil, errors.New("reservation ledger is required")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &ApplicationService{seats: seats, ledger: ledger, clock: clock, logger: logger}, nil
}

// Submit reserves a seat in the wave and records the pending reservation.
// Returns ErrSeatUnavailable when the wave is full.
func (svc *ApplicationService) Submit(ctx context.Context, clientKey string, waveID int64) (Reservation, Grant, error) {
	if svc == nil || svc.seats == nil {
		return Reservation{}, Grant{}, errors.New("application service is not configured")
	}
	grant, err := svc.seats.Reserve(ctx, waveID)
	if err != nil {
		return Reservation{}, Grant{}, err
	}
	if !grant.Granted {
		return Reservation{}, grant, ErrSeatUnavailable
	}
	res := Reservation{
		ID:        uuid.NewString(),
		WaveID:    waveID,
		ClientKey: clientKey,
		Status:    ReservationPending,
		CreatedAt: svc.clock.Now(),
	}
	if err := svc.ledger.Append(ctx, res); err != nil {
		// the grant cannot be kept without its ledger record
		if relErr := svc.seats.Release(ctx, waveID); relErr != nil && svc.logger != nil {
			svc.logger.Error("seat release after ledger failure failed", map[string]any{
				"waveID": waveID,
				"error":  relErr.Error(),
			})
		}
		return Reservation{}, Grant{}, err
	}
	return res, grant, nil
}
