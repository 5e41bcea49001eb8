package failsafe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"failsafe-dispatch/internal/gis"
)

// Trigger creates an emergency event for userID at p, alerts every eligible responder within the
// initial radius, notifies oversight and arms the escalation timer.
//
// The eligibility query runs first: if it fails nothing is written.
func (s *Service) Trigger(ctx context.Context, userID string, p gis.Point) (*Event, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidRequest)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLocation, err)
	}

	candidates, err := s.findEligible(ctx, p, s.opts.InitialRadius)
	if err != nil {
		s.logger.Error("eligibility query failed, event not created", "userID", userID, "error", err)
		return nil, fmt.Errorf("finding eligible responders: %w", err)
	}

	now := s.opts.Now()
	ev := &Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		Location:  p,
		State:     EventActive,
		CreatedAt: now,
	}
	deadline := now.Add(s.opts.EscalationTimeout)
	if err := s.store.CreateEvent(ctx, ev, deadline); err != nil {
		s.logger.Error("failed to create event", "userID", userID, "error", err)
		return nil, fmt.Errorf("creating event: %w", err)
	}
	s.metrics.EventsTriggered.Inc()
	s.logger.Warn("emergency triggered", "eventID", ev.ID, "userID", userID,
		"lat", p.Lat, "lng", p.Lng, "eligible", len(candidates))

	// From here on the event is durable: the escalation timer is armed whatever happens next.
	defer func() {
		s.scheduler.Schedule(ev.ID, deadline)
		s.syncPending()
	}()

	alerts, err := s.store.AddAlerts(ctx, ev.ID, RoundInitial, candidates, now)
	switch {
	case errors.Is(err, ErrEventNotActive):
		// Resolved by the user before the first round went out.
		s.logger.Info("event closed before dispatch", "eventID", ev.ID)
	case err != nil:
		s.logger.Error("failed to create alerts", "eventID", ev.ID, "error", err)
		return nil, fmt.Errorf("creating alerts for event %s: %w", ev.ID, err)
	default:
		s.metrics.AlertsCreated.WithLabelValues(string(RoundInitial)).Add(float64(len(alerts)))
		s.pushAlerts(ctx, ev, alerts)
	}

	n := oversightNotification(NotifyTriggered, ev, now)
	n.RadiusMeters = s.opts.InitialRadius
	n.RespondersNotified = count(len(alerts))
	s.gateway.Oversight(ctx, n)

	return ev, nil
}

func (s *Service) pushAlerts(ctx context.Context, ev *Event, alerts []*Alert) {
	for _, a := range alerts {
		err := s.gateway.PushResponder(ctx, a.ResponderID, alertNotification(ev, a))
		switch {
		case err == nil:
			s.metrics.Deliveries.WithLabelValues("delivered").Inc()
			s.logger.Debug("alert pushed", "eventID", ev.ID, "alertID", a.ID, "responderID", a.ResponderID)
		case errors.Is(err, ErrNotConnected):
			s.metrics.Deliveries.WithLabelValues("not_connected").Inc()
			s.logger.Info("responder not connected, alert left for polling",
				"eventID", ev.ID, "alertID", a.ID, "responderID", a.ResponderID)
		default:
			s.metrics.Deliveries.WithLabelValues("failed").Inc()
			s.logger.Warn("failed to push alert", "eventID", ev.ID, "alertID", a.ID,
				"responderID", a.ResponderID, "error", err)
		}
	}
}
