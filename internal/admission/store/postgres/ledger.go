package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"waitgate/internal/admission/core"
)

// Ledger persists security events, threat alerts, webhook ids and seat
// reservations. Alert idempotency is enforced by a unique index on
// (client_key, alert_type, window_start) so concurrent escalators cannot
// create duplicates.
type Ledger struct {
	db *DB
}

// NewLedger constructs a ledger over the pool.
func NewLedger(db *DB) *Ledger { return &Ledger{db: db} }

// WriteEvents inserts a batch of events with a multi-row VALUES clause.
func (l *Ledger) WriteEvents(ctx context.Context, events []core.SecurityEvent) error {
	if l == nil || l.db == nil {
		return errors.New("ledger is nil")
	}
	if len(events) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*7)
	argi := 1
	for _, ev := range events {
		var details any
		if len(ev.Details) > 0 {
			b, _ := json.Marshal(ev.Details)
			details = string(b)
		}
		placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d::jsonb)",
			argi, argi+1, argi+2, argi+3, argi+4, argi+5, argi+6))
		args = append(args, ev.ID, ev.Type, ev.Class, ev.Severity, ev.ClientKey, ev.At, details)
		argi += 7
	}

	sql := "INSERT INTO security_events (id, event_type, event_class, severity, client_key, at, details) VALUES " +
		strings.Join(placeholders, ",") + " ON CONFLICT DO NOTHING"
	if _, err := l.db.Pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// CountEvents counts events of the class for the client since the cutoff.
func (l *Ledger) CountEvents(ctx context.Context, clientKey, eventClass string, since time.Time) (int64, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("ledger is nil")
	}
	var count int64
	err := l.db.Pool.QueryRow(ctx,
		"SELECT count(*) FROM security_events WHERE client_key = $1 AND event_class = $2 AND at >= $3",
		clientKey, eventClass, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// CreateOnce inserts the alert unless one exists for the same window.
func (l *Ledger) CreateOnce(ctx context.Context, alert core.ThreatAlert) (bool, error) {
	if l == nil || l.db == nil {
		return false, errors.New("ledger is nil")
	}
	ct, err := l.db.Pool.Exec(ctx,
		`INSERT INTO threat_alerts (id, alert_type, severity, window_start, window_end, client_key, event_count, acknowledged)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,false)
		 ON CONFLICT (client_key, alert_type, window_start) DO NOTHING`,
		alert.ID, alert.AlertType, alert.Severity, alert.WindowStart, alert.WindowEnd, alert.ClientKey, alert.EventCount)
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// List returns alerts, newest windows first.
func (l *Ledger) List(ctx context.Context, onlyOpen bool) ([]core.ThreatAlert, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("ledger is nil")
	}
	sql := "SELECT id, alert_type, severity, window_start, window_end, client_key, event_count, acknowledged FROM threat_alerts"
	if onlyOpen {
		sql += " WHERE NOT acknowledged"
	}
	sql += " ORDER BY window_start DESC"

	rows, err := l.db.Pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []core.ThreatAlert
	for rows.Next() {
		var alert core.ThreatAlert
		if err := rows.Scan(&alert.ID, &alert.AlertType, &alert.Severity, &alert.WindowStart,
			&alert.WindowEnd, &alert.ClientKey, &alert.EventCount, &alert.Acknowledged); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

// Acknowledge marks one alert acknowledged.
func (l *Ledger) Acknowledge(ctx context.Context, id string) error {
	if l == nil || l.db == nil {
		return errors.New("ledger is nil")
	}
	ct, err := l.db.Pool.Exec(ctx, "UPDATE threat_alerts SET acknowledged = true WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// MarkProcessed records a webhook event id; false when already present.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	if l == nil || l.db == nil {
		return false, errors.New("ledger is nil")
	}
	ct, err := l.db.Pool.Exec(ctx,
		"INSERT INTO processed_webhooks (event_id) VALUES ($1) ON CONFLICT DO NOTHING", eventID)
	if err != nil {
		return false, fmt.Errorf("mark event: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// Forget deletes a processed-event claim so a failed delivery can be retried.
func (l *Ledger) Forget(ctx context.Context, eventID string) error {
	if l == nil || l.db == nil {
		return errors.New("ledger is nil")
	}
	_, err := l.db.Pool.Exec(ctx,
		"DELETE FROM processed_webhooks WHERE event_id = $1", eventID)
	if err != nil {
		return fmt.Errorf("forget event: %w", err)
	}
	return nil
}

// Append records a reservation.
func (l *Ledger) Append(ctx context.Context, res core.Reservation) error {
	if l == nil || l.db == nil {
		return errors.New("ledger is nil")
	}
	_, err := l.db.Pool.Exec(ctx,
		"INSERT INTO reservations (id, wave_id, client_key, status, created_at) VALUES ($1,$2,$3,$4,$5)",
		res.ID, res.WaveID, res.ClientKey, res.Status, res.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// SetStatus updates one reservation's settlement status.
func (l *Ledger) SetStatus(ctx context.Context, id, status string) error {
	if l == nil || l.db == nil {
		return errors.New("ledger is nil")
	}
	ct, err := l.db.Pool.Exec(ctx, "UPDATE reservations SET status = $2 WHERE id = $1", id, status)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ConfirmedCount counts confirmed reservations for the wave.
func (l *Ledger) ConfirmedCount(ctx context.Context, waveID int64) (int64, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("ledger is nil")
	}
	var count int64
	err := l.db.Pool.QueryRow(ctx,
		"SELECT count(*) FROM reservations WHERE wave_id = $1 AND status = $2",
		waveID, core.ReservationConfirmed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count reservations: %w", err)
	}
	return count, nil
}
