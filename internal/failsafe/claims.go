package failsafe

import (
	"context"
	"errors"
	"fmt"
)

// Accept claims alertID for responderID. Exactly one alert per event can be accepted; every other
// attempt fails with ErrAlreadyClaimed or ErrEventNotActive.
func (s *Service) Accept(ctx context.Context, alertID, responderID string) (*Event, error) {
	if alertID == "" || responderID == "" {
		return nil, fmt.Errorf("%w: missing alert or responder id", ErrInvalidRequest)
	}

	ev, alert, err := s.store.Claim(ctx, alertID, responderID)
	if err != nil {
		if IsConflict(err) || errors.Is(err, ErrNotFound) {
			s.metrics.Claims.WithLabelValues("conflict").Inc()
			s.logger.Info("accept rejected", "alertID", alertID, "responderID", responderID, "reason", err)
			return nil, err
		}
		s.logger.Error("failed to claim alert", "alertID", alertID, "responderID", responderID, "error", err)
		return nil, fmt.Errorf("claiming alert %s: %w", alertID, err)
	}
	s.metrics.Claims.WithLabelValues("accepted").Inc()
	s.logger.Info("event assigned", "eventID", ev.ID, "alertID", alert.ID, "responderID", responderID)

	s.scheduler.Cancel(ev.ID)
	s.syncPending()

	n := oversightNotification(NotifyAssigned, ev, s.opts.Now())
	n.AlertID = alert.ID
	n.ResponderID = responderID
	n.DistanceMeters = alert.DistanceMeters
	s.gateway.Oversight(ctx, n)
	if err := s.gateway.PushUser(ctx, ev.UserID, n); err != nil {
		s.logger.Debug("assignment not delivered to user", "eventID", ev.ID, "userID", ev.UserID, "error", err)
	}

	return ev, nil
}

// Decline marks the caller's NEW alert as declined. The event keeps waiting for other responders.
func (s *Service) Decline(ctx context.Context, alertID, responderID string) error {
	if alertID == "" || responderID == "" {
		return fmt.Errorf("%w: missing alert or responder id", ErrInvalidRequest)
	}

	alert, err := s.store.Decline(ctx, alertID, responderID)
	if err != nil {
		if IsConflict(err) || errors.Is(err, ErrNotFound) {
			s.logger.Info("decline rejected", "alertID", alertID, "responderID", responderID, "reason", err)
			return err
		}
		s.logger.Error("failed to decline alert", "alertID", alertID, "responderID", responderID, "error", err)
		return fmt.Errorf("declining alert %s: %w", alertID, err)
	}
	s.metrics.Claims.WithLabelValues("declined").Inc()
	s.logger.Info("alert declined", "eventID", alert.EventID, "alertID", alertID, "responderID", responderID)
	return nil
}
