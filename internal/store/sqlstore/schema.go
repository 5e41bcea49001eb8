package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is shared by both dialects. Timestamps are Unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		lat         DOUBLE PRECISION NOT NULL,
		lng         DOUBLE PRECISION NOT NULL,
		state       TEXT NOT NULL CHECK (state IN ('ACTIVE', 'ASSIGNED', 'RESOLVED')),
		created_at  BIGINT NOT NULL,
		resolved_at BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id             TEXT PRIMARY KEY,
		event_id       TEXT NOT NULL REFERENCES events (id),
		responder_id   TEXT NOT NULL,
		state          TEXT NOT NULL CHECK (state IN ('NEW', 'ACCEPTED', 'DECLINED', 'SUPERSEDED')),
		dispatch_round TEXT NOT NULL CHECK (dispatch_round IN ('initial', 'escalated')),
		distance_m     DOUBLE PRECISION NOT NULL,
		created_at     BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_event_state ON alerts (event_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_id_responder_state ON alerts (id, responder_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_responder_state ON alerts (responder_id, state)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_one_accepted ON alerts (event_id) WHERE state = 'ACCEPTED'`,
	`CREATE TABLE IF NOT EXISTS escalations (
		event_id TEXT PRIMARY KEY REFERENCES events (id),
		deadline BIGINT NOT NULL,
		state    TEXT NOT NULL CHECK (state IN ('ARMED', 'FIRED', 'CANCELLED'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_escalations_state_deadline ON escalations (state, deadline)`,
	`CREATE TABLE IF NOT EXISTS responder_heartbeats (
		responder_id TEXT PRIMARY KEY,
		role         TEXT NOT NULL,
		lat          DOUBLE PRECISION NOT NULL,
		lng          DOUBLE PRECISION NOT NULL,
		on_duty      BOOLEAN NOT NULL,
		online       BOOLEAN NOT NULL,
		updated_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_heartbeats_updated_at ON responder_heartbeats (updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_heartbeats_lat_lng ON responder_heartbeats (lat, lng)`,
}

// Migrate creates the schema. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}
