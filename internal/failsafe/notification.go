package failsafe

import (
	"time"

	"failsafe-dispatch/internal/gis"
)

type NotificationType string

const (
	NotifyAlert            NotificationType = "alert"
	NotifyTriggered        NotificationType = "triggered"
	NotifyEscalated        NotificationType = "escalated"
	NotifyAssigned         NotificationType = "assigned"
	NotifyResolved         NotificationType = "resolved"
	NotifyEscalationFailed NotificationType = "escalation_failed"
)

// Notification is the outbound payload for responder pushes and the oversight channel.
type Notification struct {
	Type               NotificationType `json:"type"`
	EventID            string           `json:"event_id"`
	AlertID            string           `json:"alert_id,omitempty"`
	UserID             string           `json:"user_id,omitempty"`
	ResponderID        string           `json:"responder_id,omitempty"`
	Location           *gis.Point       `json:"location,omitempty"`
	DistanceMeters     float64          `json:"distance_meters,omitempty"`
	RadiusMeters       float64          `json:"radius_meters,omitempty"`
	RespondersNotified *int             `json:"responders_notified,omitempty"`
	Reason             string           `json:"reason,omitempty"`
	Timestamp          time.Time        `json:"timestamp"`
}

func alertNotification(ev *Event, a *Alert) Notification {
	loc := ev.Location
	return Notification{
		Type:           NotifyAlert,
		EventID:        ev.ID,
		AlertID:        a.ID,
		UserID:         ev.UserID,
		Location:       &loc,
		DistanceMeters: a.DistanceMeters,
		Timestamp:      a.CreatedAt,
	}
}

func oversightNotification(t NotificationType, ev *Event, now time.Time) Notification {
	loc := ev.Location
	return Notification{
		Type:      t,
		EventID:   ev.ID,
		UserID:    ev.UserID,
		Location:  &loc,
		Timestamp: now,
	}
}

func count(n int) *int {
	return &n
}
