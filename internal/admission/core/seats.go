// Package core provides the seat admission controller.
package core

import (
	"context"
	"errors"
	"sort"
	"time"

	"waitgate/internal/admission/observability"
)

// Wave is a capacity-limited cohort of seats.
type Wave struct {
	ID       int64
	Capacity int64
}

// Grant is the outcome of one reservation attempt.
type Grant struct {
	Granted   bool
	Remaining int64
}

// Availability is a snapshot read of one wave.
type Availability struct {
	WaveID      int64
	Capacity    int64
	Filled      int64
	Available   int64
	LastUpdated time.Time
}

// SeatStore holds the filled counter per wave. Reserve must perform the
// check-and-increment as one indivisible operation against the given
// capacity: under N concurrent callers racing for the last seat exactly one
// may observe granted=true. Release decrements but never below zero.
type SeatStore interface {
	Reserve(ctx context.Context, waveID, capacity int64) (filled int64, granted bool, err error)
	Release(ctx context.Context, waveID int64) (filled int64, err error)
	Filled(ctx context.Context, waveID int64) (int64, error)
	SetFilled(ctx context.Context, waveID, filled int64) error
}

// SeatController arbitrates seat reservations across configured waves.
type SeatController struct {
	waves   map[int64]Wave
	order   []int64
	store   SeatStore
	breaker *Breaker
	clock   Clock
	metrics observability.Metrics
	logger  observability.Logger
}

// NewSeatController constructs a controller for the configured waves.
func NewSeatController(waves []Wave, store SeatStore, breaker *Breaker, clock Clock, metrics observability.Metrics, logger observability.Logger) (*SeatController, error) {
	if store == nil {
		return nil, errors.New("seat store is required")
	}
	if len(waves) == 0 {
		return nil, Wrap(CodeConfiguration, "at least one wave is required", nil)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	byID := make(map[int64]Wave, len(waves))
	order := make([]int64, 0, len(waves))
	for _, wave := range waves {
		if wave.Capacity <= 0 {
			return nil, Wrap(CodeConfiguration, "wave capacity must be positive", nil)
		}
		if _, exists := byID[wave.ID]; exists {
			return nil, Wrap(CodeConfiguration, "duplicate wave id", nil)
		}
		byID[wave.ID] = wave
		order = append(order, wave.ID)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return &SeatController{
		waves:   byID,
		order:   order,
		store:   store,
		breaker: breaker,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Reserve atomically claims one seat in the wave. Every granted seat must be
// paired with exactly one Release if the downstream transaction fails.
func (sc *SeatController) Reserve(ctx context.Context, waveID int64) (Grant, error) {
	if sc == nil || sc.store == nil {
		return Grant{}, errors.New("seat controller is not configured")
	}
	wave, ok := sc.waves[waveID]
	if !ok {
		return Grant{}, ErrNotFound
	}
	if sc.breaker != nil && !sc.breaker.Allow() {
		// reservation always fails closed: an overcommitted wave is worse
		// than a temporarily rejected applicant
		if sc.metrics != nil {
			sc.metrics.IncSeatReserve("store_unavailable")
		}
		return Grant{}, ErrSeatUnavailable
	}
	filled, granted, err := sc.store.Reserve(ctx, waveID, wave.Capacity)
	if err != nil {
		if sc.breaker != nil {
			sc.breaker.OnFailure()
		}
		if sc.metrics != nil {
			sc.metrics.IncStoreError("seat", "reserve")
		}
		return Grant{}, ErrSeatUnavailable
	}
	if sc.breaker != nil {
		sc.breaker.OnSuccess()
	}
	remaining := wave.Capacity - filled
	if remaining < 0 {
		remaining = 0
	}
	if sc.metrics != nil {
		if granted {
			sc.metrics.IncSeatReserve("granted")
		} else {
			sc.metrics.IncSeatReserve("sold_out")
		}
	}
	return Grant{Granted: granted, Remaining: remaining}, nil
}

// Release returns one seat to the wave, restoring capacity after a failed
// downstream transaction.
func (sc *SeatController) Release(ctx context.Context, waveID int64) error {
	if sc == nil || sc.store == nil {
		return errors.New("seat controller is not configured")
	}
	if _, ok := sc.waves[waveID]; !ok {
		return ErrNotFound
	}
	if _, err := sc.store.Release(ctx, waveID); err != nil {
		if sc.metrics != nil {
			sc.metrics.IncStoreError("seat", "release")
		}
		return err
	}
	if sc.metrics != nil {
		sc.metrics.IncSeatReserve("released")
	}
	return nil
}

// Availability reads a consistent snapshot of one wave. The result may be a
// few seconds stale but never reports a negative available count.
func (sc *SeatController) Availability(ctx context.Context, waveID int64) (Availability, error) {
	if sc == nil || sc.store == nil {
		return Availability{}, errors.New("seat controller is not configured")
	}
	wave, ok := sc.waves[waveID]
	if !ok {
		return Availability{}, ErrNotFound
	}
	filled, err := sc.store.Filled(ctx, waveID)
	if err != nil {
		return Availability{}, err
	}
	return sc.snapshot(wave, filled), nil
}

// AvailabilityAll reads snapshots for every configured wave in id order.
func (sc *SeatController) AvailabilityAll(ctx context.Context) ([]Availability, error) {
	if sc == nil || sc.store == nil {
		return nil, errors.New("seat controller is not configured")
	}
	out := make([]Availability, 0, len(sc.order))
	for _, id := range sc.order {
		wave := sc.waves[id]
		filled, err := sc.store.Filled(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sc.snapshot(wave, filled))
	}
	return out, nil
}

// Reconcile resets the filled counter to the authoritative count of completed
// reservations. The pass is idempotent; leaked grants from crashed callers
// are reclaimed here.
func (sc *SeatController) Reconcile(ctx context.Context, waveID, confirmed int64) error {
	if sc == nil || sc.store == nil {
		return errors.New("seat controller is not configured")
	}
	wave, ok := sc.waves[waveID]
	if !ok {
		return ErrNotFound
	}
	if confirmed < 0 {
		confirmed = 0
	}
	if confirmed > wave.Capacity {
		confirmed = wave.Capacity
	}
	if err := sc.store.SetFilled(ctx, waveID, confirmed); err != nil {
		return err
	}
	if sc.logger != nil {
		sc.logger.Info("wave reconciled", map[string]any{
			"waveID": waveID,
			"filled": confirmed,
		})
	}
	return nil
}

// Waves lists the configured waves in id order.
func (sc *SeatController) Waves() []Wave {
	if sc == nil {
		return nil
	}
	waves := make([]Wave, 0, len(sc.order))
	for _, id := range sc.order {
		waves = append(waves, sc.waves[id])
	}
	return waves
}

func (sc *SeatController) snapshot(wave Wave, filled int64) Availability {
	if filled < 0 {
		filled = 0
	}
	available := wave.Capacity - filled
	if available < 0 {
		available = 0
	}
	return Availability{
		WaveID:      wave.ID,
		Capacity:    wave.Capacity,
		Filled:      filled,
		Available:   available,
		LastUpdated: sc.clock.Now(),
	}
}
