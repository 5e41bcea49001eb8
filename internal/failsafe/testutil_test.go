package failsafe_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"failsafe-dispatch/internal/failsafe"
	"failsafe-dispatch/internal/gis"
	"failsafe-dispatch/internal/store/sqlstore"
)

var origin = gis.Point{Lat: 22.7196, Lng: 75.8577}

// recordingGateway records every notification. Responders and users not marked connected get
// failsafe.ErrNotConnected.
type recordingGateway struct {
	mu         sync.Mutex
	connected  map[string]bool
	responders map[string][]failsafe.Notification
	users      map[string][]failsafe.Notification
	broadcasts []failsafe.Notification
	oversight  []failsafe.Notification
}

func newRecordingGateway(connected ...string) *recordingGateway {
	g := &recordingGateway{
		connected:  make(map[string]bool),
		responders: make(map[string][]failsafe.Notification),
		users:      make(map[string][]failsafe.Notification),
	}
	for _, id := range connected {
		g.connected[id] = true
	}
	return g
}

func (g *recordingGateway) PushResponder(_ context.Context, responderID string, n failsafe.Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected[responderID] {
		return failsafe.ErrNotConnected
	}
	g.responders[responderID] = append(g.responders[responderID], n)
	return nil
}

func (g *recordingGateway) PushUser(_ context.Context, userID string, n failsafe.Notification) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected[userID] {
		return failsafe.ErrNotConnected
	}
	g.users[userID] = append(g.users[userID], n)
	return nil
}

func (g *recordingGateway) BroadcastResponders(_ context.Context, n failsafe.Notification) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcasts = append(g.broadcasts, n)
}

func (g *recordingGateway) Oversight(_ context.Context, n failsafe.Notification) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.oversight = append(g.oversight, n)
}

func (g *recordingGateway) pushed(responderID string) []failsafe.Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]failsafe.Notification(nil), g.responders[responderID]...)
}

func (g *recordingGateway) oversightOf(t failsafe.NotificationType) []failsafe.Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []failsafe.Notification
	for _, n := range g.oversight {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func (g *recordingGateway) broadcastCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.broadcasts)
}

type fixture struct {
	svc     *failsafe.Service
	store   *sqlstore.Store
	gateway *recordingGateway
}

func testOptions() failsafe.Options {
	opts := failsafe.DefaultOptions()
	opts.EscalationTimeout = 150 * time.Millisecond
	opts.RetryBackoff = time.Millisecond
	return opts
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()

	db, err := sqlstore.Open(context.Background(), sqlstore.SQLite, filepath.Join(t.TempDir(), "failsafe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlstore.New(db, sqlstore.SQLite)
}

// setupService wires a Service on a real SQLite store. wrap, when set, decorates the Store port.
func setupService(t *testing.T, opts failsafe.Options, wrap func(failsafe.Store) failsafe.Store, connected ...string) *fixture {
	t.Helper()

	s := openStore(t)
	var store failsafe.Store = s
	if wrap != nil {
		store = wrap(s)
	}
	gw := newRecordingGateway(connected...)
	svc := failsafe.NewService(store, s, gw, discardLogger(), nil, opts)
	t.Cleanup(svc.Close)

	return &fixture{svc: svc, store: s, gateway: gw}
}

// onDuty records a fresh heartbeat for responderID at meters from origin.
func (f *fixture) onDuty(t *testing.T, responderID string, bearing, meters float64) {
	t.Helper()
	f.heartbeatAt(t, responderID, gis.Offset(origin, bearing, meters), time.Now())
}

func (f *fixture) heartbeatAt(t *testing.T, responderID string, p gis.Point, ts time.Time) {
	t.Helper()
	require.NoError(t, f.store.UpsertHeartbeat(context.Background(), failsafe.Heartbeat{
		ResponderID: responderID,
		Role:        failsafe.RoleResponder,
		Location:    p,
		Timestamp:   ts,
		OnDuty:      true,
		Online:      true,
	}))
}

func (f *fixture) alerts(t *testing.T, eventID string) []*failsafe.Alert {
	t.Helper()
	alerts, err := f.store.ListAlerts(context.Background(), eventID)
	require.NoError(t, err)
	return alerts
}

func (f *fixture) alertFor(t *testing.T, eventID, responderID string) *failsafe.Alert {
	t.Helper()
	for _, a := range f.alerts(t, eventID) {
		if a.ResponderID == responderID && a.State == failsafe.AlertNew {
			return a
		}
	}
	t.Fatalf("no NEW alert for %s on event %s", responderID, eventID)
	return nil
}

// escalatedStore fails AddAlerts for the escalated round and counts the attempts.
type escalatedStore struct {
	failsafe.Store
	mu       sync.Mutex
	attempts int
	err      error
}

func (s *escalatedStore) AddAlerts(ctx context.Context, eventID string, round failsafe.Round, candidates []failsafe.Candidate, now time.Time) ([]*failsafe.Alert, error) {
	if round == failsafe.RoundEscalated {
		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()
		return nil, s.err
	}
	return s.Store.AddAlerts(ctx, eventID, round, candidates, now)
}

func (s *escalatedStore) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// closedFirstStore resolves the event right before the initial round is stored.
type closedFirstStore struct {
	failsafe.Store
}

func (s closedFirstStore) AddAlerts(ctx context.Context, eventID string, round failsafe.Round, candidates []failsafe.Candidate, now time.Time) ([]*failsafe.Alert, error) {
	if round == failsafe.RoundInitial {
		if _, _, err := s.Store.Resolve(ctx, eventID, now); err != nil {
			return nil, err
		}
	}
	return s.Store.AddAlerts(ctx, eventID, round, candidates, now)
}

type brokenGeo struct{ err error }

func (g brokenGeo) FindEligible(context.Context, gis.Point, float64, time.Duration) ([]failsafe.Candidate, error) {
	return nil, g.err
}
