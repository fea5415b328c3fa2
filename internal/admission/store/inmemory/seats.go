package inmemory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// SeatStore holds one filled counter per wave. Reserve is a compare-and-swap
// loop against the wave's capacity so the check and the increment are one
// indivisible step; no lock is shared across waves.
type SeatStore struct {
	mu          sync.RWMutex
	filled      map[int64]*atomic.Int64
	unavailable atomic.Bool
}

// NewSeatStore constructs an empty seat store.
func NewSeatStore() *SeatStore {
	return &SeatStore{filled: make(map[int64]*atomic.Int64)}
}

// Reserve claims one seat when filled < capacity. Exactly one of N racing
// callers wins the last seat.
func (s *SeatStore) Reserve(ctx context.Context, waveID, capacity int64) (int64, bool, error) {
	if s == nil {
		return 0, false, errors.New("seat store is nil")
	}
	if s.unavailable.Load() {
		return 0, false, errors.New("seat store unavailable")
	}
	if capacity <= 0 {
		return 0, false, errors.New("capacity must be positive")
	}
	counter := s.counter(waveID)
	for {
		current := counter.Load()
		if current >= capacity {
			return current, false, nil
		}
		if counter.CompareAndSwap(current, current+1) {
			return current + 1, true, nil
		}
	}
}

// Release returns one seat, never dropping the counter below zero.
func (s *SeatStore) Release(ctx context.Context, waveID int64) (int64, error) {
	if s == nil {
		return 0, errors.New("seat store is nil")
	}
	if s.unavailable.Load() {
		return 0, errors.New("seat store unavailable")
	}
	counter := s.counter(waveID)
	for {
		current := counter.Load()
		if current <= 0 {
			return 0, nil
		}
		if counter.CompareAndSwap(current, current-1) {
			return current - 1, nil
		}
	}
}

// Filled reads the current filled count.
func (s *SeatStore) Filled(ctx context.Context, waveID int64) (int64, error) {
	if s == nil {
		return 0, errors.New("seat store is nil")
	}
	if s.unavailable.Load() {
		return 0, errors.New("seat store unavailable")
	}
	return s.counter(waveID).Load(), nil
}

// SetFilled overwrites the filled count, used by reconciliation.
func (s *SeatStore) SetFilled(ctx context.Context, waveID, filled int64) error {
	if s == nil {
		return errors.New("seat store is nil")
	}
	if s.unavailable.Load() {
		return errors.New("seat store unavailable")
	}
	if filled < 0 {
		filled = 0
	}
	s.counter(waveID).Store(filled)
	return nil
}

// SetUnavailable toggles simulated store failure for tests and drills.
func (s *SeatStore) SetUnavailable(down bool) {
	if s == nil {
		return
	}
	s.unavailable.Store(down)
}

func (s *SeatStore) counter(waveID int64) *atomic.Int64 {
	s.mu.RLock()
	counter := s.filled[waveID]
	s.mu.RUnlock()
	if counter != nil {
		return counter
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if counter = s.filled[waveID]; counter == nil {
		counter = &atomic.Int64{}
		s.filled[waveID] = counter
	}
	return counter
}
