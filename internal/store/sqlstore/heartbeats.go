package sqlstore

import (
	"context"
	"fmt"
	"time"

	"failsafe-dispatch/internal/failsafe"
	"failsafe-dispatch/internal/gis"
)

// UpsertHeartbeat records the latest heartbeat of a responder. Heartbeats older than the stored one
// are ignored.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb failsafe.Heartbeat) error {
	if err := hb.Validate(); err != nil {
		return fmt.Errorf("invalid heartbeat: %w", err)
	}
	if hb.Role == "" {
		hb.Role = failsafe.RoleResponder
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO responder_heartbeats (responder_id, role, lat, lng, on_duty, online, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (responder_id) DO UPDATE SET
			role = excluded.role,
			lat = excluded.lat,
			lng = excluded.lng,
			on_duty = excluded.on_duty,
			online = excluded.online,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= responder_heartbeats.updated_at`),
		hb.ResponderID, hb.Role, hb.Location.Lat, hb.Location.Lng, hb.OnDuty, hb.Online, toMillis(hb.Timestamp))
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

// FindEligible returns on-duty, online responders with a fresh heartbeat within radius meters of p,
// nearest first. The bounding box only narrows the scan; the cut is the great-circle distance.
func (s *Store) FindEligible(ctx context.Context, p gis.Point, radius float64, maxStaleness time.Duration) ([]failsafe.Candidate, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", failsafe.ErrInvalidLocation, err)
	}
	if radius <= 0 {
		return []failsafe.Candidate{}, nil
	}

	cutoff := s.now().Add(-maxStaleness)
	box := gis.BoundingBox(p, radius)

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT responder_id, lat, lng FROM responder_heartbeats
		WHERE role = ? AND on_duty = ? AND online = ? AND updated_at >= ?
			AND lat BETWEEN ? AND ? AND lng BETWEEN ? AND ?`),
		failsafe.RoleResponder, true, true, toMillis(cutoff),
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	candidates := []failsafe.Candidate{}
	for rows.Next() {
		var (
			id  string
			loc gis.Point
		)
		if err := rows.Scan(&id, &loc.Lat, &loc.Lng); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		if d := gis.Haversine(p, loc); d <= radius {
			candidates = append(candidates, failsafe.Candidate{ResponderID: id, DistanceMeters: d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate heartbeats: %w", err)
	}

	failsafe.SortCandidates(candidates)
	return candidates, nil
}
