package sqlstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"failsafe-dispatch/internal/failsafe"
	"failsafe-dispatch/internal/gis"
	"failsafe-dispatch/internal/store/sqlstore"
)

var (
	baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	origin   = gis.Point{Lat: 22.7196, Lng: 75.8577}
)

// setupStore opens a SQLite store in a temp dir with the schema applied and the clock pinned to baseTime.
func setupStore(t *testing.T) *sqlstore.Store {
	t.Helper()

	db, err := sqlstore.Open(context.Background(), sqlstore.SQLite, filepath.Join(t.TempDir(), "failsafe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return sqlstore.New(db, sqlstore.SQLite).WithClock(func() time.Time { return baseTime })
}

// setupPostgresStore opens the database named by FAILSAFE_TEST_POSTGRES_DSN, or skips.
func setupPostgresStore(t *testing.T) *sqlstore.Store {
	t.Helper()

	dsn := os.Getenv("FAILSAFE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FAILSAFE_TEST_POSTGRES_DSN not set")
	}
	db, err := sqlstore.Open(context.Background(), sqlstore.Postgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return sqlstore.New(db, sqlstore.Postgres).WithClock(func() time.Time { return baseTime })
}

func seedEvent(t *testing.T, s *sqlstore.Store, id string) *failsafe.Event {
	t.Helper()

	ev := &failsafe.Event{
		ID:        id,
		UserID:    "citizen-" + id,
		Location:  origin,
		State:     failsafe.EventActive,
		CreatedAt: baseTime,
	}
	require.NoError(t, s.CreateEvent(context.Background(), ev, baseTime.Add(30*time.Second)))
	return ev
}

func seedAlerts(t *testing.T, s *sqlstore.Store, eventID string, responders ...string) []*failsafe.Alert {
	t.Helper()

	candidates := make([]failsafe.Candidate, len(responders))
	for i, r := range responders {
		candidates[i] = failsafe.Candidate{ResponderID: r, DistanceMeters: float64(100 * (i + 1))}
	}
	alerts, err := s.AddAlerts(context.Background(), eventID, failsafe.RoundInitial, candidates, baseTime)
	require.NoError(t, err)
	require.Len(t, alerts, len(responders))
	return alerts
}

func heartbeat(id string, p gis.Point, age time.Duration) failsafe.Heartbeat {
	return failsafe.Heartbeat{
		ResponderID: id,
		Role:        failsafe.RoleResponder,
		Location:    p,
		Timestamp:   baseTime.Add(-age),
		OnDuty:      true,
		Online:      true,
	}
}

func alertStates(t *testing.T, s *sqlstore.Store, eventID string) map[string]failsafe.AlertState {
	t.Helper()

	alerts, err := s.ListAlerts(context.Background(), eventID)
	require.NoError(t, err)
	out := make(map[string]failsafe.AlertState, len(alerts))
	for _, a := range alerts {
		out[a.ResponderID] = a.State
	}
	return out
}
