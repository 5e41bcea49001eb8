package subscriber

import (
	"fmt"
	"time"

	"failsafe-dispatch/internal/failsafe"
	"failsafe-dispatch/internal/gis"
)

// HeartbeatMessage is a message received on the heartbeat pub/sub channel.
type HeartbeatMessage struct {
	ResponderID string    `json:"responder_id"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Timestamp   time.Time `json:"timestamp"`
	OnDuty      bool      `json:"on_duty"`
	Online      bool      `json:"online"`
}

func (m *HeartbeatMessage) Validate() error {
	if m.ResponderID == "" {
		return fmt.Errorf("missing responder_id")
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	return m.point().Validate()
}

// Heartbeat converts the message, clamping a timestamp from the future to receivedAt.
func (m *HeartbeatMessage) Heartbeat(receivedAt time.Time) failsafe.Heartbeat {
	ts := m.Timestamp
	if ts.After(receivedAt) {
		ts = receivedAt
	}
	return failsafe.Heartbeat{
		ResponderID: m.ResponderID,
		Role:        failsafe.RoleResponder,
		Location:    m.point(),
		Timestamp:   ts,
		OnDuty:      m.OnDuty,
		Online:      m.Online,
	}
}

func (m *HeartbeatMessage) point() gis.Point {
	return gis.Point{Lat: m.Lat, Lng: m.Lng}
}
