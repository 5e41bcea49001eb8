package geoindex_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"failsafe-dispatch/internal/failsafe"
	"failsafe-dispatch/internal/geoindex"
	"failsafe-dispatch/internal/gis"
)

var (
	baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	origin   = gis.Point{Lat: 48.8566, Lng: 2.3522}
)

func setupIndex(t *testing.T) (*geoindex.RedisIndex, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return geoindex.NewRedisIndex(client).WithClock(func() time.Time { return baseTime }), mr
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

func ids(c []failsafe.Candidate) []string {
	out := make([]string, len(c))
	for i := range c {
		out[i] = c[i].ResponderID
	}
	return out
}

func TestRedisIndexFindEligible(t *testing.T) {
	idx, _ := setupIndex(t)
	ctx := context.Background()

	offDuty := heartbeat("off-duty", gis.Offset(origin, 0, 400), 0)
	offDuty.OnDuty = false
	offline := heartbeat("offline", gis.Offset(origin, 0, 400), 0)
	offline.Online = false
	dispatcher := heartbeat("dispatcher", gis.Offset(origin, 0, 400), 0)
	dispatcher.Role = "DISPATCHER"

	for _, hb := range []failsafe.Heartbeat{
		heartbeat("near", gis.Offset(origin, 90, 2_000), 10*time.Second),
		heartbeat("nearest", gis.Offset(origin, 200, 250), 0),
		heartbeat("edge-in", gis.Offset(origin, 135, 4_990), 0),
		heartbeat("edge-out", gis.Offset(origin, 135, 5_010), 0),
		heartbeat("far", gis.Offset(origin, 300, 9_000), 0),
		heartbeat("stale", gis.Offset(origin, 0, 1_000), 2*time.Minute),
		offDuty,
		offline,
		dispatcher,
	} {
		require.NoError(t, idx.UpsertHeartbeat(ctx, hb))
	}

	got, err := idx.FindEligible(ctx, origin, 5_000, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"nearest", "near", "edge-in"}, ids(got))
	assert.InDelta(t, 250, got[0].DistanceMeters, 0.5)

	got, err = idx.FindEligible(ctx, origin, 10_000, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"nearest", "near", "edge-in", "edge-out", "far"}, ids(got))

	got, err = idx.FindEligible(ctx, gis.Point{Lat: 40.7128, Lng: -74.006}, 5_000, time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	_, err = idx.FindEligible(ctx, gis.Point{Lat: 0, Lng: 200}, 5_000, time.Minute)
	assert.ErrorIs(t, err, failsafe.ErrInvalidLocation)
}

func TestRedisIndexKeepsNewestHeartbeat(t *testing.T) {
	idx, mr := setupIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.UpsertHeartbeat(ctx, heartbeat("r1", gis.Offset(origin, 0, 1_000), 0)))
	require.NoError(t, idx.UpsertHeartbeat(ctx, heartbeat("r1", gis.Offset(origin, 0, 40_000), 5*time.Second)))

	got, err := idx.FindEligible(ctx, origin, 5_000, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1_000, got[0].DistanceMeters, 0.5)
	assert.Equal(t, "1", mr.HGet("failsafe:responder:r1", "on_duty"))

	goingOff := heartbeat("r1", gis.Offset(origin, 0, 1_000), -time.Second)
	goingOff.OnDuty = false
	require.NoError(t, idx.UpsertHeartbeat(ctx, goingOff))

	got, err = idx.FindEligible(ctx, origin, 5_000, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisIndexDropsUnavailableResponders(t *testing.T) {
	idx, mr := setupIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.UpsertHeartbeat(ctx, heartbeat("r1", origin, 0)))
	require.NoError(t, idx.UpsertHeartbeat(ctx, heartbeat("r2", gis.Offset(origin, 90, 500), 0)))

	offline := heartbeat("r1", origin, -time.Second)
	offline.Online = false
	require.NoError(t, idx.UpsertHeartbeat(ctx, offline))

	members, err := mr.ZMembers("failsafe:responders:geo")
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, members)
	assert.Equal(t, "0", mr.HGet("failsafe:responder:r1", "online"))

	// Back online: indexed again.
	require.NoError(t, idx.UpsertHeartbeat(ctx, heartbeat("r1", origin, -2*time.Second)))
	got, err := idx.FindEligible(ctx, origin, 5_000, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids(got))
}

func TestRedisIndexRejectsPolarHeartbeat(t *testing.T) {
	idx, mr := setupIndex(t)

	err := idx.UpsertHeartbeat(context.Background(), heartbeat("r1", gis.Point{Lat: 87, Lng: 10}, 0))
	require.ErrorIs(t, err, failsafe.ErrInvalidLocation)
	assert.False(t, mr.Exists("failsafe:responder:r1"))
	assert.False(t, mr.Exists("failsafe:responders:geo"))
}

func TestRedisIndexUnavailable(t *testing.T) {
	idx, mr := setupIndex(t)
	mr.Close()

	_, err := idx.FindEligible(context.Background(), origin, 5_000, time.Minute)
	assert.Error(t, err)

	err = idx.UpsertHeartbeat(context.Background(), heartbeat("r1", origin, 0))
	assert.Error(t, err)
}
