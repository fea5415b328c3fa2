package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"waitgate/internal/admission/observability"
)

type fakeLedger struct {
	mu           sync.Mutex
	reservations map[string]Reservation
	appendErr    error
	setStatusErr error
	confirmed    map[int64]int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		reservations: make(map[string]Reservation),
		confirmed:    make(map[int64]int64),
	}
}

func (l *fakeLedger) Append(ctx context.Context, res Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return l.appendErr
	}
	l.reservations[res.ID] = res
	return nil
}

func (l *fakeLedger) SetStatus(ctx context.Context, id, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.setStatusErr != nil {
		return l.setStatusErr
	}
	res, ok := l.reservations[id]
	if !ok {
		return ErrNotFound
	}
	res.Status = status
	l.reservations[id] = res
	return nil
}

func (l *fakeLedger) ConfirmedCount(ctx context.Context, waveID int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.confirmed[waveID]; ok {
		return n, nil
	}
	var count int64
	for _, res := range l.reservations {
		if res.WaveID == waveID && res.Status == ReservationConfirmed {
			count++
		}
	}
	return count, nil
}

func (l *fakeLedger) get(id string) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[id]
	return res, ok
}

func (l *fakeLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reservations)
}

func newTestApplications(t *testing.T, store SeatStore, ledger ReservationLedger, waves ...Wave) *ApplicationService {
	t.Helper()
	seats := newTestSeats(t, store, waves...)
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	svc, err := NewApplicationService(seats, ledger, clock, observability.NopLogger{})
	if err != nil {
		t.Fatalf("new application service: %v", err)
	}
	return svc
}

func TestApplicationService_SubmitRecordsPendingReservation(t *testing.T) {
	t.Parallel()

	store := newFakeSeatStore()
	ledger := newFakeLedger()
	svc := newTestApplications(t, store, ledger, Wave{ID: 1, Capacity: 2})

	res, grant, err := svc.Submit(context.Background(), "client-a", 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !grant.Granted || grant.Remaining != 1 {
		t.Fatalf("grant = %+v, want granted with 1 remaining", grant)
	}
	if res.ID == "" || res.Status != ReservationPending || res.WaveID != 1 || res.ClientKey != "client-a" {
		t.Fatalf("reservation = %+v", res)
	}
	if _, ok := ledger.get(res.ID); !ok {
		t.Fatalf("reservation not in ledger")
	}
}

func TestApplicationService_SoldOut(t *testing.T) {
	t.Parallel()

	store := newFakeSeatStore()
	ledger := newFakeLedger()
	svc := newTestApplications(t, store, ledger, Wave{ID: 1, Capacity: 1})
	ctx := context.Background()

	if _, _, err := svc.Submit(ctx, "client-a", 1); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, grant, err := svc.Submit(ctx, "client-b", 1)
	if !errors.Is(err, ErrSeatUnavailable) {
		t.Fatalf("err = %v, want seat unavailable", err)
	}
	if grant.Granted {
		t.Fatalf("grant = %+v, want denied", grant)
	}
	if ledger.size() != 1 {
		t.Fatalf("ledger size = %d, want 1", ledger.size())
	}
}

func TestApplicationService_LedgerFailureReleasesSeat(t *testing.T) {
	t.Parallel()

	store := newFakeSeatStore()
	ledger := newFakeLedger()
	ledger.appendErr = errors.New("ledger down")
	svc := newTestApplications(t, store, ledger, Wave{ID: 1, Capacity: 1})
	ctx := context.Background()

	if _, _, err := svc.Submit(ctx, "client-a", 1); err == nil {
		t.Fatalf("submit should surface the ledger failure")
	}

	// the seat went back: the next applicant can still take it
	ledger.appendErr = nil
	res, grant, err := svc.Submit(ctx, "client-b", 1)
	if err != nil || !grant.Granted {
		t.Fatalf("seat was not released: grant=%+v err=%v", grant, err)
	}
	if res.ClientKey != "client-b" {
		t.Fatalf("reservation = %+v", res)
	}
}

func TestApplicationService_UnknownWave(t *testing.T) {
	t.Parallel()

	svc := newTestApplications(t, newFakeSeatStore(), newFakeLedger(), Wave{ID: 1, Capacity: 1})
	if _, _, err := svc.Submit(context.Background(), "client-a", 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}
