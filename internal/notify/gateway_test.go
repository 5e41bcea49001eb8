package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"failsafe-dispatch/internal/failsafe"
	"failsafe-dispatch/internal/gis"
	"failsafe-dispatch/internal/notify"
	"failsafe-dispatch/internal/store/sqlstore"
	"failsafe-dispatch/internal/ws"
)

type sent struct {
	kind ws.Kind
	id   string
	msg  ws.Message
}

// fakeHub accepts messages for the connected ids only.
type fakeHub struct {
	mu        sync.Mutex
	connected map[ws.Kind][]string
	sent      []sent
}

func (h *fakeHub) SendTo(kind ws.Kind, id string, msg ws.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.connected[kind] {
		if c == id {
			h.sent = append(h.sent, sent{kind, id, msg})
			return nil
		}
	}
	return failsafe.ErrNotConnected
}

func (h *fakeHub) Broadcast(kind ws.Kind, msg ws.Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.connected[kind] {
		h.sent = append(h.sent, sent{kind, c, msg})
	}
	return len(h.connected[kind])
}

func logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func notification(t failsafe.NotificationType) failsafe.Notification {
	return failsafe.Notification{
		Type:      t,
		EventID:   "ev-1",
		UserID:    "citizen",
		Location:  &gis.Point{Lat: 22.7, Lng: 75.8},
		Timestamp: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestPushResponder(t *testing.T) {
	hub := &fakeHub{connected: map[ws.Kind][]string{ws.KindResponder: {"r1"}}}
	g := notify.NewGateway(hub, nil, "", logger())

	n := notification(failsafe.NotifyAlert)
	n.AlertID = "al-1"
	n.DistanceMeters = 1234.5
	require.NoError(t, g.PushResponder(context.Background(), "r1", n))

	require.Len(t, hub.sent, 1)
	assert.Equal(t, ws.KindResponder, hub.sent[0].kind)
	assert.Equal(t, "alert", hub.sent[0].msg.Type)
	assert.JSONEq(t, `{
		"type": "alert",
		"event_id": "ev-1",
		"alert_id": "al-1",
		"user_id": "citizen",
		"location": {"lat": 22.7, "lng": 75.8},
		"distance_meters": 1234.5,
		"timestamp": "2026-03-14T09:00:00Z"
	}`, string(hub.sent[0].msg.Data))

	err := g.PushResponder(context.Background(), "r2", n)
	assert.ErrorIs(t, err, failsafe.ErrNotConnected)

	err = g.PushUser(context.Background(), "r1", n)
	assert.ErrorIs(t, err, failsafe.ErrNotConnected)
}

func TestBroadcastResponders(t *testing.T) {
	hub := &fakeHub{connected: map[ws.Kind][]string{
		ws.KindResponder: {"r1", "r2"},
		ws.KindUser:      {"citizen"},
	}}
	g := notify.NewGateway(hub, nil, "", logger())

	g.BroadcastResponders(context.Background(), notification(failsafe.NotifyResolved))

	require.Len(t, hub.sent, 2)
	for _, s := range hub.sent {
		assert.Equal(t, ws.KindResponder, s.kind)
		assert.Equal(t, "resolved", s.msg.Type)
	}
}

func TestOversightPublishesToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	pubsub := client.Subscribe(ctx, "failsafe:oversight")
	t.Cleanup(func() { _ = pubsub.Close() })
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	hub := &fakeHub{connected: map[ws.Kind][]string{ws.KindOversight: {"console"}}}
	g := notify.NewGateway(hub, client, "failsafe:oversight", logger())
	t.Cleanup(g.Close)

	n := notification(failsafe.NotifyTriggered)
	n.RadiusMeters = 5000
	zero := 0
	n.RespondersNotified = &zero
	g.Oversight(ctx, n)

	require.Len(t, hub.sent, 1)
	assert.Equal(t, "triggered", hub.sent[0].msg.Type)

	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msg, err := pubsub.ReceiveMessage(readCtx)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "triggered", got["type"])
	assert.Equal(t, "ev-1", got["event_id"])
	assert.Equal(t, 5000.0, got["radius_meters"])
	// Zero responders is reported, not omitted.
	assert.Equal(t, 0.0, got["responders_notified"])
}

func TestOversightSurvivesRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	hub := &fakeHub{connected: map[ws.Kind][]string{ws.KindOversight: {"console"}}}
	g := notify.NewGateway(hub, client, "failsafe:oversight", logger())
	t.Cleanup(g.Close)

	g.Oversight(context.Background(), notification(failsafe.NotifyEscalationFailed))
	assert.Len(t, hub.sent, 1)
}

// stalledRedis accepts connections and never answers.
func stalledRedis(t *testing.T) *redis.Client {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	client := redis.NewClient(&redis.Options{Addr: ln.Addr().String(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestOversightDoesNotWaitForRedis(t *testing.T) {
	hub := &fakeHub{connected: map[ws.Kind][]string{ws.KindOversight: {"console"}}}
	g := notify.NewGateway(hub, stalledRedis(t), "failsafe:oversight", logger())
	t.Cleanup(g.Close)

	// Far more than the queue holds: overflow is dropped, never waited on.
	start := time.Now()
	for range 1000 {
		g.Oversight(context.Background(), notification(failsafe.NotifyTriggered))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Len(t, hub.sent, 1000)

	// An in-flight publish holds Close for at most the publish timeout.
	start = time.Now()
	g.Close()
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestTriggerWithUnresponsiveRedis(t *testing.T) {
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, sqlstore.SQLite, filepath.Join(t.TempDir(), "failsafe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := sqlstore.New(db, sqlstore.SQLite)

	hub := &fakeHub{connected: map[ws.Kind][]string{ws.KindOversight: {"console"}}}
	g := notify.NewGateway(hub, stalledRedis(t), "failsafe:oversight", logger())
	t.Cleanup(g.Close)
	svc := failsafe.NewService(store, store, g, logger(), nil)
	t.Cleanup(svc.Close)

	start := time.Now()
	ev, err := svc.Trigger(ctx, "citizen", gis.Point{Lat: 22.7, Lng: 75.8})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, failsafe.EventActive, ev.State)

	start = time.Now()
	ev, err = svc.Resolve(ctx, ev.ID)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, failsafe.EventResolved, ev.State)
}
