package inmemory

import (
	"context"
	"errors"
	"sync"
	"time"

	"waitgate/internal/admission/core"
)

// AuditDB is an in-process audit ledger: security events, threat alerts,
// processed webhook ids and seat reservations. It backs tests and
// single-instance deployments; the postgres ledger replaces it in production.
type AuditDB struct {
	mu           sync.RWMutex
	events       []core.SecurityEvent
	alerts       map[alertKey]*core.ThreatAlert
	alertsByID   map[string]*core.ThreatAlert
	processed    map[string]struct{}
	reservations map[string]core.Reservation
	unavailable  bool
}

type alertKey struct {
	clientKey   string
	alertType   string
	windowStart int64
}

// NewAuditDB constructs an empty audit ledger.
func NewAuditDB() *AuditDB {
	return &AuditDB{
		alerts:       make(map[alertKey]*core.ThreatAlert),
		alertsByID:   make(map[string]*core.ThreatAlert),
		processed:    make(map[string]struct{}),
		reservations: make(map[string]core.Reservation),
	}
}

// SetUnavailable toggles simulated sink failure for tests.
func (db *AuditDB) SetUnavailable(down bool) {
	if db == nil {
		return
	}
	db.mu.Lock()
	db.unavailable = down
	db.mu.Unlock()
}

// WriteEvents appends a batch of events.
func (db *AuditDB) WriteEvents(ctx context.Context, events []core.SecurityEvent) error {
	if db == nil {
		return errors.New("audit db is nil")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.unavailable {
		return errors.New("audit db unavailable")
	}
	db.events = append(db.events, events...)
	return nil
}

// CountEvents counts events of the class for the client since the cutoff.
func (db *AuditDB) CountEvents(ctx context.Context, clientKey, eventClass string, since time.Time) (int64, error) {
	if db == nil {
		return 0, errors.New("audit db is nil")
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.unavailable {
		return 0, errors.New("audit db unavailable")
	}
	var count int64
	for _, event := range db.events {
		if event.ClientKey == clientKey && event.Class == eventClass && !event.At.Before(since) {
			count++
		}
	}
	return count, nil
}

// Events returns a copy of all recorded events, for tests.
func (db *AuditDB) Events() []core.SecurityEvent {
	if db == nil {
		return nil
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]core.SecurityEvent, len(db.events))
	copy(out, db.events)
	return out
}

// CreateOnce stores the alert unless one already exists for the same
// (clientKey, alertType, windowStart).
func (db *AuditDB) CreateOnce(ctx context.Context, alert core.ThreatAlert) (bool, error) {
	if db == nil {
		return false, errors.New("audit db is nil")
	}
	key := alertKey{
		clientKey:   alert.ClientKey,
		alertType:   alert.AlertType,
		windowStart: alert.WindowStart.UnixNano(),
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.unavailable {
		return false, errors.New("audit db unavailable")
	}
	if _, exists := db.alerts[key]; exists {
		return false, nil
	}
	stored := alert
	db.alerts[key] = &stored
	db.alertsByID[alert.ID] = &stored
	return true, nil
}

// List returns alerts, optionally only unacknowledged ones.
func (db *AuditDB) List(ctx context.Context, onlyOpen bool) ([]core.ThreatAlert, error) {
	if db == nil {
		return nil, errors.New("audit db is nil")
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.unavailable {
		return nil, errors.New("audit db unavailable")
	}
	out := make([]core.ThreatAlert, 0, len(db.alerts))
	for _, alert := range db.alerts {
		if onlyOpen && alert.Acknowledged {
			continue
		}
		out = append(out, *alert)
	}
	return out, nil
}

// Acknowledge marks one alert acknowledged.
func (db *AuditDB) Acknowledge(ctx context.Context, id string) error {
	if db == nil {
		return errors.New("audit db is nil")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.unavailable {
		return errors.New("audit db unavailable")
	}
	alert, ok := db.alertsByID[id]
	if !ok {
		return core.ErrNotFound
	}
	alert.Acknowledged = true
	return nil
}

// MarkProcessed remembers a webhook event id; false when already seen.
func (db *AuditDB) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	if db == nil {
		return false, errors.New("audit db is nil")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.unavailable {
		return false, errors.New("audit db unavailable")
	}
	if _, seen := db.processed[eventID]; seen {
		return false, nil
	}
	db.processed[eventID] = struct{}{}
	return true, nil
}

// Forget releases a processed-event claim so the delivery can be retried.
func (db *AuditDB) Forget(ctx context.Context, eventID string) error {
	if db == nil {
		return errors.New("audit db is nil")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.unavailable {
		return errors.New("audit db unavailable")
	}
	delete(db.processed, eventID)
	return nil
}

// Append records a reservation.
func (db *AuditDB) Append(ctx context.Context, res core.Reservation) error {
	if db == nil {
		return errors.New("audit db is nil")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.unavailable {
		return errors.New("audit db unavailable")
	}
	db.reservations[res.ID] = res
	return nil
}

// SetStatus updates one reservation's settlement status.
func (db *AuditDB) SetStatus(ctx context.Context, id, status string) error {
	if db == nil {
		return errors.New("audit db is nil")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.unavailable {
		return errors.New("audit db unavailable")
	}
	res, ok := db.reservations[id]
	if !ok {
		return core.ErrNotFound
	}
	res.Status = status
	db.reservations[id] = res
	return nil
}

// ConfirmedCount counts confirmed reservations for the wave.
func (db *AuditDB) ConfirmedCount(ctx context.Context, waveID int64) (int64, error) {
	if db == nil {
		return 0, errors.New("audit db is nil")
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.unavailable {
		return 0, errors.New("audit db unavailable")
	}
	var count int64
	for _, res := range db.reservations {
		if res.WaveID == waveID && res.Status == core.ReservationConfirmed {
			count++
		}
	}
	return count, nil
}
