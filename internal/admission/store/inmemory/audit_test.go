package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waitgate/internal/admission/core"
)

func TestAuditDB_CountEventsFiltersClassAndCutoff(t *testing.T) {
	t.Parallel()

	db := NewAuditDB()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	err := db.WriteEvents(ctx, []core.SecurityEvent{
		{ID: "1", ClientKey: "client-a", Class: core.ClassAuthFailure, At: base},
		{ID: "2", ClientKey: "client-a", Class: core.ClassAuthFailure, At: base.Add(-2 * time.Hour)},
		{ID: "3", ClientKey: "client-a", Class: core.ClassSignatureFailure, At: base},
		{ID: "4", ClientKey: "client-b", Class: core.ClassAuthFailure, At: base},
	})
	require.NoError(t, err)

	count, err := db.CountEvents(ctx, "client-a", core.ClassAuthFailure, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	// cutoff is inclusive
	count, err = db.CountEvents(ctx, "client-a", core.ClassAuthFailure, base)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestAuditDB_CreateOnceDeduplicatesWindow(t *testing.T) {
	t.Parallel()

	db := NewAuditDB()
	ctx := context.Background()
	windowStart := time.Unix(1_699_999_200, 0)

	alert := core.ThreatAlert{
		ID:          "alert-1",
		AlertType:   core.ClassAuthFailure,
		ClientKey:   "client-a",
		WindowStart: windowStart,
	}
	created, err := db.CreateOnce(ctx, alert)
	require.NoError(t, err)
	require.True(t, created)

	dup := alert
	dup.ID = "alert-2"
	created, err = db.CreateOnce(ctx, dup)
	require.NoError(t, err)
	require.False(t, created)

	next := alert
	next.ID = "alert-3"
	next.WindowStart = windowStart.Add(time.Hour)
	created, err = db.CreateOnce(ctx, next)
	require.NoError(t, err)
	require.True(t, created)

	alerts, err := db.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
}

func TestAuditDB_AcknowledgeHidesFromOpenList(t *testing.T) {
	t.Parallel()

	db := NewAuditDB()
	ctx := context.Background()

	_, err := db.CreateOnce(ctx, core.ThreatAlert{ID: "alert-1", AlertType: core.ClassAuthFailure, ClientKey: "a"})
	require.NoError(t, err)
	_, err = db.CreateOnce(ctx, core.ThreatAlert{ID: "alert-2", AlertType: core.ClassSignatureFailure, ClientKey: "a"})
	require.NoError(t, err)

	require.NoError(t, db.Acknowledge(ctx, "alert-1"))

	open, err := db.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "alert-2", open[0].ID)

	all, err := db.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.ErrorIs(t, db.Acknowledge(ctx, "no-such-alert"), core.ErrNotFound)
}

func TestAuditDB_MarkProcessedIsIdempotent(t *testing.T) {
	t.Parallel()

	db := NewAuditDB()
	ctx := context.Background()

	first, err := db.MarkProcessed(ctx, "evt_1")
	require.NoError(t, err)
	require.True(t, first)

	again, err := db.MarkProcessed(ctx, "evt_1")
	require.NoError(t, err)
	require.False(t, again)

	// a forgotten claim can be taken again
	require.NoError(t, db.Forget(ctx, "evt_1"))
	retaken, err := db.MarkProcessed(ctx, "evt_1")
	require.NoError(t, err)
	require.True(t, retaken)
}

func TestAuditDB_ConfirmedCount(t *testing.T) {
	t.Parallel()

	db := NewAuditDB()
	ctx := context.Background()

	require.NoError(t, db.Append(ctx, core.Reservation{ID: "r1", WaveID: 1, Status: core.ReservationPending}))
	require.NoError(t, db.Append(ctx, core.Reservation{ID: "r2", WaveID: 1, Status: core.ReservationPending}))
	require.NoError(t, db.Append(ctx, core.Reservation{ID: "r3", WaveID: 2, Status: core.ReservationConfirmed}))

	require.NoError(t, db.SetStatus(ctx, "r1", core.ReservationConfirmed))

	count, err := db.ConfirmedCount(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	require.ErrorIs(t, db.SetStatus(ctx, "missing", core.ReservationConfirmed), core.ErrNotFound)
}

func TestAuditDB_Unavailable(t *testing.T) {
	t.Parallel()

	db := NewAuditDB()
	ctx := context.Background()

	db.SetUnavailable(true)
	require.Error(t, db.WriteEvents(ctx, []core.SecurityEvent{{ID: "1"}}))
	_, err := db.CountEvents(ctx, "a", core.ClassAuthFailure, time.Time{})
	require.Error(t, err)
	_, err = db.CreateOnce(ctx, core.ThreatAlert{ID: "alert-1"})
	require.Error(t, err)

	db.SetUnavailable(false)
	require.NoError(t, db.WriteEvents(ctx, []core.SecurityEvent{{ID: "1"}}))
	require.Len(t, db.Events(), 1)
}
