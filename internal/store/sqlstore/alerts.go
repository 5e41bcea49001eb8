package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"failsafe-dispatch/internal/failsafe"
)

const alertColumns = `id, event_id, responder_id, state, dispatch_round, distance_m, created_at`

func scanAlert(row rowScanner) (*failsafe.Alert, error) {
	var (
		a         failsafe.Alert
		state     string
		round     string
		createdAt int64
	)
	if err := row.Scan(&a.ID, &a.EventID, &a.ResponderID, &state, &round, &a.DistanceMeters, &createdAt); err != nil {
		return nil, err
	}
	a.State = failsafe.AlertState(state)
	a.Round = failsafe.Round(round)
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

func (s *Store) queryAlerts(ctx context.Context, q sqlQuerier, query string, args ...any) ([]*failsafe.Alert, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*failsafe.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// AddAlerts creates one NEW alert per candidate, in candidate order, for an ACTIVE event.
// Responders already holding a NEW alert for the event are skipped.
func (s *Store) AddAlerts(ctx context.Context, eventID string, round failsafe.Round, candidates []failsafe.Candidate, now time.Time) ([]*failsafe.Alert, error) {
	var created []*failsafe.Alert
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := s.lockEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if !ev.State.CanTransition(failsafe.EventAssigned) {
			return fmt.Errorf("event %s is %s: %w", eventID, ev.State, failsafe.ErrEventNotActive)
		}

		outstanding, err := s.queryAlerts(ctx, tx, s.q(`SELECT `+alertColumns+` FROM alerts WHERE event_id = ? AND state = ?`),
			eventID, string(failsafe.AlertNew))
		if err != nil {
			return err
		}
		skip := make(map[string]bool, len(outstanding)+len(candidates))
		for _, a := range outstanding {
			skip[a.ResponderID] = true
		}

		insert := s.q(`INSERT INTO alerts (` + alertColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		for _, c := range candidates {
			if skip[c.ResponderID] {
				continue
			}
			skip[c.ResponderID] = true

			a := &failsafe.Alert{
				ID:             uuid.NewString(),
				EventID:        eventID,
				ResponderID:    c.ResponderID,
				State:          failsafe.AlertNew,
				Round:          round,
				DistanceMeters: c.DistanceMeters,
				CreatedAt:      fromMillis(toMillis(now)),
			}
			if _, err := tx.ExecContext(ctx, insert, a.ID, a.EventID, a.ResponderID, string(a.State), string(a.Round),
				a.DistanceMeters, toMillis(a.CreatedAt)); err != nil {
				return fmt.Errorf("insert alert: %w", err)
			}
			created = append(created, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Claim accepts an alert for its responder. In one transaction it locks the NEW alert, then its
// event, which must still be ACTIVE, accepts the alert, assigns the event, supersedes every sibling NEW alert and
// cancels the armed escalation.
//
// A claim that loses the race on the event supersedes its own alert before reporting the conflict,
// so no NEW alert outlives an assignment.
func (s *Store) Claim(ctx context.Context, alertID, responderID string) (*failsafe.Event, *failsafe.Alert, error) {
	var (
		ev       *failsafe.Event
		alert    *failsafe.Alert
		conflict error
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.forUpdate(`SELECT `+alertColumns+` FROM alerts WHERE id = ? AND responder_id = ? AND state = ?`),
			alertID, responderID, string(failsafe.AlertNew))
		var err error
		alert, err = scanAlert(row)
		if errors.Is(err, sql.ErrNoRows) {
			return s.missingAlert(ctx, tx, alertID)
		}
		if err != nil {
			return fmt.Errorf("lock alert: %w", err)
		}

		ev, err = s.lockEvent(ctx, tx, alert.EventID)
		if err != nil {
			return err
		}
		if !ev.State.CanTransition(failsafe.EventAssigned) {
			conflict = failsafe.ErrEventNotActive
			return s.supersedeAlert(ctx, tx, alert.ID)
		}

		res, err := tx.ExecContext(ctx, s.q(`UPDATE alerts SET state = ? WHERE id = ? AND state = ?`),
			string(failsafe.AlertAccepted), alert.ID, string(failsafe.AlertNew))
		if err != nil {
			return fmt.Errorf("accept alert: %w", err)
		}
		if err := expectOne(res, "accept alert"); err != nil {
			return fmt.Errorf("%w: %w", err, failsafe.ErrAlreadyClaimed)
		}

		res, err = tx.ExecContext(ctx, s.q(`UPDATE events SET state = ? WHERE id = ? AND state = ?`),
			string(failsafe.EventAssigned), ev.ID, string(failsafe.EventActive))
		if err != nil {
			return fmt.Errorf("assign event: %w", err)
		}
		if err := expectOne(res, "assign event"); err != nil {
			return fmt.Errorf("%w: %w", err, failsafe.ErrEventNotActive)
		}

		if _, err := tx.ExecContext(ctx, s.supersedeSiblingsQuery(), string(failsafe.AlertSuperseded),
			ev.ID, string(failsafe.AlertNew)); err != nil {
			return fmt.Errorf("supersede sibling alerts: %w", err)
		}
		if err := s.cancelEscalation(ctx, tx, ev.ID); err != nil {
			return err
		}

		alert.State = failsafe.AlertAccepted
		ev.State = failsafe.EventAssigned
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if conflict != nil {
		return nil, nil, fmt.Errorf("alert %s: %w", alertID, conflict)
	}
	return ev, alert, nil
}

// supersedeSiblingsQuery supersedes the NEW alerts of an event. With row locks it skips siblings
// locked by concurrent claims: those claims lose on the event lock and supersede their own alert.
func (s *Store) supersedeSiblingsQuery() string {
	if s.dialect.rowLocks {
		return s.q(`UPDATE alerts SET state = ? WHERE id IN (
			SELECT id FROM alerts WHERE event_id = ? AND state = ? FOR UPDATE SKIP LOCKED)`)
	}
	return s.q(`UPDATE alerts SET state = ? WHERE event_id = ? AND state = ?`)
}

func (s *Store) supersedeAlert(ctx context.Context, tx *sql.Tx, alertID string) error {
	_, err := tx.ExecContext(ctx, s.q(`UPDATE alerts SET state = ? WHERE id = ? AND state = ?`),
		string(failsafe.AlertSuperseded), alertID, string(failsafe.AlertNew))
	if err != nil {
		return fmt.Errorf("supersede alert: %w", err)
	}
	return nil
}

// missingAlert tells a nonexistent alert from one that is no longer NEW for the caller.
func (s *Store) missingAlert(ctx context.Context, tx *sql.Tx, alertID string) error {
	var exists int
	err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM alerts WHERE id = ?`), alertID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("alert %s: %w", alertID, failsafe.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup alert: %w", err)
	}
	return fmt.Errorf("alert %s: %w", alertID, failsafe.ErrAlreadyClaimed)
}

// Decline moves the caller's NEW alert to DECLINED. Nothing else changes.
func (s *Store) Decline(ctx context.Context, alertID, responderID string) (*failsafe.Alert, error) {
	var alert *failsafe.Alert
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE alerts SET state = ? WHERE id = ? AND responder_id = ? AND state = ?`),
			string(failsafe.AlertDeclined), alertID, responderID, string(failsafe.AlertNew))
		if err != nil {
			return fmt.Errorf("decline alert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("decline alert: %w", err)
		}
		if n == 0 {
			return s.missingAlert(ctx, tx, alertID)
		}

		alert, err = scanAlert(tx.QueryRowContext(ctx, s.q(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), alertID))
		if err != nil {
			return fmt.Errorf("read declined alert: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// lockOutstandingAlerts takes the row locks of an event's NEW alerts and returns their ids.
func (s *Store) lockOutstandingAlerts(ctx context.Context, tx *sql.Tx, eventID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, s.forUpdate(`SELECT id FROM alerts WHERE event_id = ? AND state = ?`),
		eventID, string(failsafe.AlertNew))
	if err != nil {
		return nil, fmt.Errorf("lock alerts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan alert id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAlerts returns every alert of an event, by round then distance.
func (s *Store) ListAlerts(ctx context.Context, eventID string) ([]*failsafe.Alert, error) {
	return s.queryAlerts(ctx, s.db,
		s.q(`SELECT `+alertColumns+` FROM alerts WHERE event_id = ? ORDER BY created_at, distance_m, id`), eventID)
}

// ResponderAlerts returns the NEW alerts of a responder, newest first.
func (s *Store) ResponderAlerts(ctx context.Context, responderID string) ([]*failsafe.Alert, error) {
	return s.queryAlerts(ctx, s.db,
		s.q(`SELECT `+alertColumns+` FROM alerts WHERE responder_id = ? AND state = ? ORDER BY created_at DESC, id`),
		responderID, string(failsafe.AlertNew))
}

var (
	_ failsafe.Store           = (*Store)(nil)
	_ failsafe.GeoIndex        = (*Store)(nil)
	_ failsafe.HeartbeatWriter = (*Store)(nil)
)
