package failsafe

import (
	"context"
	"time"

	"failsafe-dispatch/internal/gis"
)

// GeoIndex answers eligibility queries against responder heartbeats.
type GeoIndex interface {
	// FindEligible returns responders within radius meters of p that are on duty, online, and whose
	// heartbeat is no older than maxStaleness, ascending by distance. No match is an empty slice.
	FindEligible(ctx context.Context, p gis.Point, radius float64, maxStaleness time.Duration) ([]Candidate, error)
}

// HeartbeatWriter records responder live-location heartbeats.
type HeartbeatWriter interface {
	UpsertHeartbeat(ctx context.Context, hb Heartbeat) error
}

// Store is the Event Store and Alert Ledger.
//
// Every write method is a single atomic unit. Implementations take row locks in the order
// alerts, event, escalation.
type Store interface {
	CreateEvent(ctx context.Context, ev *Event, escalationDeadline time.Time) error
	GetEvent(ctx context.Context, eventID string) (*Event, error)
	AddAlerts(ctx context.Context, eventID string, round Round, candidates []Candidate, now time.Time) ([]*Alert, error)
	Claim(ctx context.Context, alertID, responderID string) (*Event, *Alert, error)
	Decline(ctx context.Context, alertID, responderID string) (*Alert, error)
	Resolve(ctx context.Context, eventID string, now time.Time) (*Event, bool, error)
	BeginEscalation(ctx context.Context, eventID string) (*Event, error)
	PendingEscalations(ctx context.Context) ([]Escalation, error)
	ListAlerts(ctx context.Context, eventID string) ([]*Alert, error)
	ResponderAlerts(ctx context.Context, responderID string) ([]*Alert, error)
}

// Gateway delivers notifications. Every method is best-effort and must not block on slow peers.
type Gateway interface {
	PushResponder(ctx context.Context, responderID string, n Notification) error
	PushUser(ctx context.Context, userID string, n Notification) error
	BroadcastResponders(ctx context.Context, n Notification)
	Oversight(ctx context.Context, n Notification)
}
