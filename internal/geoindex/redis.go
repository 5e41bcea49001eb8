// Package geoindex implements the responder geo index on Redis GEO sets.
package geoindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"failsafe-dispatch/internal/failsafe"
	"failsafe-dispatch/internal/gis"
)

const (
	geoKey = "failsafe:responders:geo"
	// radiusPadding widens the GEORADIUS scan to absorb the difference between Redis' earth model and
	// ours. Hits are re-checked with gis.Haversine.
	radiusPadding = 1.005
	// maxGeoLatitude is the largest latitude Redis GEO commands accept.
	maxGeoLatitude = 85.05112878
)

// upsertScript writes the heartbeat hash unless a newer heartbeat is already stored. Only responders
// both on duty and online are kept in the GEO set. GEOADD runs first so a rejected position writes
// nothing.
var upsertScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[2], 'ts')
if current and tonumber(current) > tonumber(ARGV[4]) then
	return 0
end
if ARGV[5] == '1' and ARGV[6] == '1' then
	redis.call('GEOADD', KEYS[1], ARGV[3], ARGV[2], ARGV[7])
else
	redis.call('ZREM', KEYS[1], ARGV[7])
end
redis.call('HSET', KEYS[2], 'role', ARGV[1], 'lat', ARGV[2], 'lng', ARGV[3], 'ts', ARGV[4], 'on_duty', ARGV[5], 'online', ARGV[6])
return 1
`)

// RedisIndex is a failsafe.GeoIndex and failsafe.HeartbeatWriter backed by a Redis GEO set, plus one
// hash per responder holding its latest heartbeat.
type RedisIndex struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client, now: time.Now}
}

// WithClock replaces the clock used for heartbeat freshness.
func (r *RedisIndex) WithClock(now func() time.Time) *RedisIndex {
	r.now = now
	return r
}

func (r *RedisIndex) UpsertHeartbeat(ctx context.Context, hb failsafe.Heartbeat) error {
	if err := hb.Validate(); err != nil {
		return fmt.Errorf("invalid heartbeat: %w", err)
	}
	if math.Abs(hb.Location.Lat) > maxGeoLatitude {
		return fmt.Errorf("invalid heartbeat: %w: latitude %v outside the indexable range", failsafe.ErrInvalidLocation, hb.Location.Lat)
	}
	if hb.Role == "" {
		hb.Role = failsafe.RoleResponder
	}

	err := upsertScript.Run(ctx, r.client, []string{geoKey, formatKey(hb.ResponderID)},
		hb.Role,
		strconv.FormatFloat(hb.Location.Lat, 'f', -1, 64),
		strconv.FormatFloat(hb.Location.Lng, 'f', -1, 64),
		hb.Timestamp.UnixMilli(),
		formatBool(hb.OnDuty),
		formatBool(hb.Online),
		hb.ResponderID,
	).Err()
	if err != nil {
		return fmt.Errorf("upserting heartbeat: %w", err)
	}
	return nil
}

func (r *RedisIndex) FindEligible(ctx context.Context, p gis.Point, radius float64, maxStaleness time.Duration) ([]failsafe.Candidate, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", failsafe.ErrInvalidLocation, err)
	}
	if radius <= 0 {
		return []failsafe.Candidate{}, nil
	}

	hits, err := r.client.GeoRadius(ctx, geoKey, p.Lng, p.Lat, &redis.GeoRadiusQuery{
		Radius: radius * radiusPadding,
		Unit:   "m",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("querying geo index: %w", err)
	}
	if len(hits) == 0 {
		return []failsafe.Candidate{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(hits))
	for i, h := range hits {
		cmds[i] = pipe.HGetAll(ctx, formatKey(h.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("loading heartbeats: %w", err)
	}

	// GEO members are geohash-quantized; the hash holds the reported position.
	box := gis.BoundingBox(p, radius)
	cutoff := r.now().Add(-maxStaleness).UnixMilli()
	candidates := []failsafe.Candidate{}
	for i, h := range hits {
		hb, ok := parseHeartbeat(cmds[i].Val())
		if !ok || hb.role != failsafe.RoleResponder || !hb.onDuty || !hb.online || hb.ts < cutoff {
			continue
		}
		if !box.Contains(hb.location) {
			continue
		}
		if d := gis.Haversine(p, hb.location); d <= radius {
			candidates = append(candidates, failsafe.Candidate{ResponderID: h.Name, DistanceMeters: d})
		}
	}

	failsafe.SortCandidates(candidates)
	return candidates, nil
}

type storedHeartbeat struct {
	role     string
	location gis.Point
	ts       int64
	onDuty   bool
	online   bool
}

func parseHeartbeat(fields map[string]string) (storedHeartbeat, bool) {
	var (
		hb  storedHeartbeat
		err error
	)
	if len(fields) == 0 {
		return hb, false
	}
	hb.role = fields["role"]
	if hb.location.Lat, err = strconv.ParseFloat(fields["lat"], 64); err != nil {
		return hb, false
	}
	if hb.location.Lng, err = strconv.ParseFloat(fields["lng"], 64); err != nil {
		return hb, false
	}
	if hb.ts, err = strconv.ParseInt(fields["ts"], 10, 64); err != nil {
		return hb, false
	}
	hb.onDuty = fields["on_duty"] == "1"
	hb.online = fields["online"] == "1"
	return hb, true
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatKey(responderID string) string {
	return fmt.Sprintf("failsafe:responder:%s", responderID)
}

var (
	_ failsafe.GeoIndex        = (*RedisIndex)(nil)
	_ failsafe.HeartbeatWriter = (*RedisIndex)(nil)
)
