package failsafe

import (
	"context"
	"errors"
	"fmt"
)

// Resolve closes an event. Resolving an already resolved event is a no-op that returns the stored
// event without notifying anyone.
func (s *Service) Resolve(ctx context.Context, eventID string) (*Event, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidRequest)
	}

	now := s.opts.Now()
	ev, changed, err := s.store.Resolve(ctx, eventID, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		s.logger.Error("failed to resolve event", "eventID", eventID, "error", err)
		return nil, fmt.Errorf("resolving event %s: %w", eventID, err)
	}
	if !changed {
		s.logger.Info("event already resolved", "eventID", eventID)
		return ev, nil
	}
	s.logger.Info("event resolved", "eventID", eventID)

	s.scheduler.Cancel(eventID)
	s.syncPending()

	n := oversightNotification(NotifyResolved, ev, now)
	s.gateway.Oversight(ctx, n)
	s.gateway.BroadcastResponders(ctx, n)
	return ev, nil
}
