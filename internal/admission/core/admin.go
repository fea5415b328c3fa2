// Package core provides admin operations.
package core

import (
	"context"
	"errors"
	"time"
)

// UpdateLimitRequest changes one limit class.
type UpdateLimitRequest struct {
	Name            string
	MaxRequests     int64
	Window          time.Duration
	FailOpen        bool
	ExpectedVersion int64
}

// AdminHandler serves limit class management, alert acknowledgement and wave
// reconciliation for operator tooling.
type AdminHandler struct {
	classes *ClassRegistry
	alerts  AlertStore
	seats   *SeatController
	ledger  ReservationLedger
	clock   Clock
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(classes *ClassRegistry, alerts AlertStore, seats *SeatController, ledger ReservationLedger, clock Clock) *AdminHandler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &AdminHandler{
		classes: classes,
		alerts:  alerts,
		seats:   seats,
		ledger:  ledger,
		clock:   clock,
	}
}

// ListLimits returns the current limit classes.
func (h *AdminHandler) ListLimits(ctx context.Context) ([]*LimitClass, error) {
	if h == nil || h.classes == nil {
		return nil, errors.New("class registry is not configured")
	}
	return h.classes.List(), nil
}

// UpdateLimit applies an optimistic-concurrency update to one class.
func (h *AdminHandler) UpdateLimit(ctx context.Context, req *UpdateLimitRequest) (*LimitClass, error) {
	if h == nil || h.classes == nil {
		return nil, errors.New("class registry is not configured")
	}
	if req == nil || req.Name == "" || req.MaxRequests <= 0 || req.Window <= 0 {
		return nil, ErrInvalidInput
	}
	existing, ok := h.classes.Get(req.Name)
	if !ok || existing == nil {
		return nil, ErrNotFound
	}
	if existing.Version != req.ExpectedVersion {
		return nil, ErrConflict
	}
	mode := FailClosed
	if req.FailOpen {
		mode = FailOpen
	}
	updated := &LimitClass{
		Name:        req.Name,
		MaxRequests: req.MaxRequests,
		Window:      req.Window,
		FailMode:    mode,
		Version:     existing.Version + 1,
		UpdatedAt:   h.clock.Now(),
	}
	h.classes.UpsertIfNewer(updated)
	return updated, nil
}

// ListAlerts returns threat alerts, optionally only unacknowledged ones.
func (h *AdminHandler) ListAlerts(ctx context.Context, onlyOpen bool) ([]ThreatAlert, error) {
	if h == nil || h.alerts == nil {
		return nil, errors.New("alert store is not configured")
	}
	return h.alerts.List(ctx, onlyOpen)
}

// AcknowledgeAlert marks one alert acknowledged.
func (h *AdminHandler) AcknowledgeAlert(ctx context.Context, id string) error {
	if h == nil || h.alerts == nil {
		return errors.New("alert store is not configured")
	}
	if id == "" {
		return ErrInvalidInput
	}
	return h.alerts.Acknowledge(ctx, id)
}

// ReconcileWave recomputes the wave's filled counter from the ledger's
// confirmed reservations. Safe to run repeatedly.
func (h *AdminHandler) ReconcileWave(ctx context.Context, waveID int64) (int64, error) {
	if h == nil || h.seats == nil || h.ledger == nil {
		return 0, errors.New("reconciliation is not configured")
	}
	confirmed, err := h.ledger.ConfirmedCount(ctx, waveID)
	if err != nil {
		return 0, err
	}
	if err := h.seats.Reconcile(ctx, waveID, confirmed); err != nil {
		return 0, err
	}
	return confirmed, nil
}
