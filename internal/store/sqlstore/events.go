package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"failsafe-dispatch/internal/failsafe"
)

const eventColumns = `id, user_id, lat, lng, state, created_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*failsafe.Event, error) {
	var (
		ev         failsafe.Event
		state      string
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	if err := row.Scan(&ev.ID, &ev.UserID, &ev.Location.Lat, &ev.Location.Lng, &state, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	ev.State = failsafe.EventState(state)
	ev.CreatedAt = fromMillis(createdAt)
	if resolvedAt.Valid {
		t := fromMillis(resolvedAt.Int64)
		ev.ResolvedAt = &t
	}
	return &ev, nil
}

// CreateEvent persists an ACTIVE event together with its ARMED escalation deadline.
func (s *Store) CreateEvent(ctx context.Context, ev *failsafe.Event, escalationDeadline time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL)`),
			ev.ID, ev.UserID, ev.Location.Lat, ev.Location.Lng, string(ev.State), toMillis(ev.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO escalations (event_id, deadline, state) VALUES (?, ?, ?)`),
			ev.ID, toMillis(escalationDeadline), string(failsafe.EscalationArmed))
		if err != nil {
			return fmt.Errorf("insert escalation: %w", err)
		}
		return nil
	})
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (*failsafe.Event, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+eventColumns+` FROM events WHERE id = ?`), eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", eventID, failsafe.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// lockEvent locks the event row. It returns failsafe.ErrNotFound if there is none.
func (s *Store) lockEvent(ctx context.Context, tx *sql.Tx, eventID string) (*failsafe.Event, error) {
	row := tx.QueryRowContext(ctx, s.forUpdate(`SELECT `+eventColumns+` FROM events WHERE id = ?`), eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", eventID, failsafe.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock event: %w", err)
	}
	return ev, nil
}

// Resolve moves the event to RESOLVED, supersedes its outstanding alerts and cancels its escalation.
// It reports false without error when the event was already resolved.
func (s *Store) Resolve(ctx context.Context, eventID string, now time.Time) (*failsafe.Event, bool, error) {
	var (
		ev      *failsafe.Event
		changed bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Lock order: alerts, then event.
		if _, err := s.lockOutstandingAlerts(ctx, tx, eventID); err != nil {
			return err
		}

		var err error
		ev, err = s.lockEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if !ev.State.CanTransition(failsafe.EventResolved) {
			return nil
		}

		res, err := tx.ExecContext(ctx, s.q(`UPDATE events SET state = ?, resolved_at = ? WHERE id = ? AND state <> ?`),
			string(failsafe.EventResolved), toMillis(now), eventID, string(failsafe.EventResolved))
		if err != nil {
			return fmt.Errorf("resolve event: %w", err)
		}
		if err := expectOne(res, "resolve event"); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, s.q(`UPDATE alerts SET state = ? WHERE event_id = ? AND state = ?`),
			string(failsafe.AlertSuperseded), eventID, string(failsafe.AlertNew)); err != nil {
			return fmt.Errorf("supersede alerts: %w", err)
		}
		if err := s.cancelEscalation(ctx, tx, eventID); err != nil {
			return err
		}

		ev.State = failsafe.EventResolved
		resolvedAt := fromMillis(toMillis(now))
		ev.ResolvedAt = &resolvedAt
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return ev, changed, nil
}

func (s *Store) cancelEscalation(ctx context.Context, tx *sql.Tx, eventID string) error {
	_, err := tx.ExecContext(ctx, s.q(`UPDATE escalations SET state = ? WHERE event_id = ? AND state = ?`),
		string(failsafe.EscalationCancelled), eventID, string(failsafe.EscalationArmed))
	if err != nil {
		return fmt.Errorf("cancel escalation: %w", err)
	}
	return nil
}

// BeginEscalation is the exactly-once gate of an escalation. It moves the ARMED escalation of an
// ACTIVE event to FIRED. If the event is no longer ACTIVE the escalation is cancelled and
// failsafe.ErrEventNotActive returned; if it was already fired or cancelled
// failsafe.ErrEscalationNotArmed is returned.
func (s *Store) BeginEscalation(ctx context.Context, eventID string) (*failsafe.Event, error) {
	var (
		ev       *failsafe.Event
		conflict error
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ev, err = s.lockEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}

		var state string
		err = tx.QueryRowContext(ctx, s.forUpdate(`SELECT state FROM escalations WHERE event_id = ?`), eventID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			conflict = failsafe.ErrEscalationNotArmed
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock escalation: %w", err)
		}
		if failsafe.EscalationState(state) != failsafe.EscalationArmed {
			conflict = failsafe.ErrEscalationNotArmed
			return nil
		}

		if ev.State != failsafe.EventActive {
			conflict = failsafe.ErrEventNotActive
			return s.cancelEscalation(ctx, tx, eventID)
		}

		if _, err := tx.ExecContext(ctx, s.q(`UPDATE escalations SET state = ? WHERE event_id = ? AND state = ?`),
			string(failsafe.EscalationFired), eventID, string(failsafe.EscalationArmed)); err != nil {
			return fmt.Errorf("fire escalation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		return nil, fmt.Errorf("escalation of event %s: %w", eventID, conflict)
	}
	return ev, nil
}

func (s *Store) PendingEscalations(ctx context.Context) ([]failsafe.Escalation, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT event_id, deadline, state FROM escalations WHERE state = ? ORDER BY deadline`),
		string(failsafe.EscalationArmed))
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var out []failsafe.Escalation
	for rows.Next() {
		var (
			e        failsafe.Escalation
			deadline int64
			state    string
		)
		if err := rows.Scan(&e.EventID, &deadline, &state); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		e.Deadline = fromMillis(deadline)
		e.State = failsafe.EscalationState(state)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Escalation returns the persisted escalation of an event.
func (s *Store) Escalation(ctx context.Context, eventID string) (*failsafe.Escalation, error) {
	var (
		e        = failsafe.Escalation{EventID: eventID}
		deadline int64
		state    string
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT deadline, state FROM escalations WHERE event_id = ?`), eventID).
		Scan(&deadline, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("escalation %s: %w", eventID, failsafe.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	e.Deadline = fromMillis(deadline)
	e.State = failsafe.EscalationState(state)
	return &e, nil
}
