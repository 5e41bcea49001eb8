package failsafe

import (
	"fmt"
	"sort"
	"time"

	"failsafe-dispatch/internal/gis"
)

type EventState string

const (
	EventActive   EventState = "ACTIVE"
	EventAssigned EventState = "ASSIGNED"
	EventResolved EventState = "RESOLVED"
)

func (s EventState) IsValid() bool {
	switch s {
	case EventActive, EventAssigned, EventResolved:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a forward lifecycle step.
func (s EventState) CanTransition(next EventState) bool {
	switch s {
	case EventActive:
		return next == EventAssigned || next == EventResolved
	case EventAssigned:
		return next == EventResolved
	}
	return false
}

type AlertState string

const (
	AlertNew        AlertState = "NEW"
	AlertAccepted   AlertState = "ACCEPTED"
	AlertDeclined   AlertState = "DECLINED"
	AlertSuperseded AlertState = "SUPERSEDED"
)

func (s AlertState) IsValid() bool {
	switch s {
	case AlertNew, AlertAccepted, AlertDeclined, AlertSuperseded:
		return true
	}
	return false
}

type EscalationState string

const (
	EscalationArmed     EscalationState = "ARMED"
	EscalationFired     EscalationState = "FIRED"
	EscalationCancelled EscalationState = "CANCELLED"
)

// Round identifies which dispatch round created an alert.
type Round string

const (
	RoundInitial   Round = "initial"
	RoundEscalated Round = "escalated"
)

// RoleResponder is the only role eligible for dispatch.
const RoleResponder = "RESPONDER"

// Event is a single emergency trigger and its response lifecycle.
type Event struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Location   gis.Point  `json:"location"`
	State      EventState `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Alert is one dispatch offer to one responder for one event.
type Alert struct {
	ID             string     `json:"id"`
	EventID        string     `json:"event_id"`
	ResponderID    string     `json:"responder_id"`
	State          AlertState `json:"state"`
	Round          Round      `json:"round"`
	DistanceMeters float64    `json:"distance_meters"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Candidate is an eligible responder returned by a GeoIndex, ordered by distance.
type Candidate struct {
	ResponderID    string  `json:"responder_id"`
	DistanceMeters float64 `json:"distance_meters"`
}

// SortCandidates orders candidates by distance, then responder id.
func SortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].DistanceMeters != c[j].DistanceMeters {
			return c[i].DistanceMeters < c[j].DistanceMeters
		}
		return c[i].ResponderID < c[j].ResponderID
	})
}

// Heartbeat is the latest live-location report of a responder.
type Heartbeat struct {
	ResponderID string    `json:"responder_id"`
	Role        string    `json:"role"`
	Location    gis.Point `json:"location"`
	Timestamp   time.Time `json:"timestamp"`
	OnDuty      bool      `json:"on_duty"`
	Online      bool      `json:"online"`
}

func (h *Heartbeat) Validate() error {
	if h.ResponderID == "" {
		return fmt.Errorf("missing responder id")
	}
	if h.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	if err := h.Location.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLocation, err)
	}
	return nil
}

// Escalation is the durable deadline of an event's escalation timer.
type Escalation struct {
	EventID  string          `json:"event_id"`
	Deadline time.Time       `json:"deadline"`
	State    EscalationState `json:"state"`
}
