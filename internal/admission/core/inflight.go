// Package core provides in flight tracking for graceful drains.
package core

import (
	"context"
	"sync"
)

// InFlight tracks in flight requests so shutdown can drain them. The
// count/closed transition is guarded by one mutex so a racing End and Close
// cannot both observe the drain condition and close the channel twice.
type InFlight struct {
	mu     sync.Mutex
	n      int64
	closed bool
	done   bool
	ch     chan struct{}
}

// NewInFlight constructs a new InFlight tracker.
func NewInFlight() *InFlight {
	return &InFlight{ch: make(chan struct{})}
}

// Begin registers a new in flight request. Returns false once closed.
func (f *InFlight) Begin() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.n++
	return true
}

// End marks a request as complete.
func (f *InFlight) End() {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.n--
	f.drainLocked()
	f.mu.Unlock()
}

// Close prevents new requests from beginning.
func (f *InFlight) Close() {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.closed = true
	f.drainLocked()
	f.mu.Unlock()
}

// drainLocked closes the drain channel exactly once after Close when no
// requests remain. Callers must hold mu.
func (f *InFlight) drainLocked() {
	if f.closed && f.n <= 0 && !f.done {
		f.done = true
		close(f.ch)
	}
}

// Wait blocks until drained or context done.
func (f *InFlight) Wait(ctx context.Context) error {
	if f == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
