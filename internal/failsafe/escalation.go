package failsafe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type timerEntry struct {
	timer *time.Timer
}

// Scheduler is a timer wheel keyed by event id. Each event has at most one armed timer.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*timerEntry
	fire   func(ctx context.Context, eventID string)
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(fire func(ctx context.Context, eventID string), now func() time.Time) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		timers: make(map[string]*timerEntry),
		fire:   fire,
		now:    now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule arms the timer of eventID for deadline, replacing any timer already armed for it.
// A deadline in the past fires immediately.
func (s *Scheduler) Schedule(eventID string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if prev, ok := s.timers[eventID]; ok {
		prev.timer.Stop()
	}

	entry := &timerEntry{}
	entry.timer = time.AfterFunc(max(deadline.Sub(s.now()), 0), func() {
		s.run(eventID, entry)
	})
	s.timers[eventID] = entry
}

// Cancel disarms the timer of eventID. It reports whether a timer was armed.
func (s *Scheduler) Cancel(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.timers[eventID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, eventID)
	return true
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer and waits for firings already in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) run(eventID string, entry *timerEntry) {
	s.mu.Lock()
	if cur, ok := s.timers[eventID]; !ok || cur != entry {
		// Cancelled or replaced after the timer expired.
		s.mu.Unlock()
		return
	}
	delete(s.timers, eventID)
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.fire(s.ctx, eventID)
}

// RecoverEscalations re-arms every escalation deadline persisted as ARMED, typically at start-up.
// Overdue deadlines fire immediately.
func (s *Service) RecoverEscalations(ctx context.Context) (int, error) {
	pending, err := s.store.PendingEscalations(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading pending escalations: %w", err)
	}
	for _, e := range pending {
		s.scheduler.Schedule(e.EventID, e.Deadline)
	}
	s.syncPending()
	s.logger.Info("escalations recovered", "count", len(pending))
	return len(pending), nil
}

// fireEscalation widens the search for an event still ACTIVE at its deadline. Whether it runs is
// decided by the store, so a timer racing an accept or a second process is a no-op.
func (s *Service) fireEscalation(ctx context.Context, eventID string) {
	s.syncPending()

	var ev *Event
	err := s.retry(ctx, "begin escalation", eventID, func() error {
		var err error
		ev, err = s.store.BeginEscalation(ctx, eventID)
		return err
	})
	switch {
	case errors.Is(err, ErrEventNotActive), errors.Is(err, ErrEscalationNotArmed):
		s.metrics.Escalations.WithLabelValues("skipped").Inc()
		s.logger.Info("escalation skipped", "eventID", eventID, "reason", err)
		return
	case errors.Is(err, ErrNotFound):
		s.metrics.Escalations.WithLabelValues("skipped").Inc()
		s.logger.Warn("escalation for unknown event", "eventID", eventID)
		return
	case err != nil:
		s.escalationFailed(ctx, eventID, err)
		return
	}
	s.logger.Warn("no responder accepted in time, escalating", "eventID", eventID,
		"radius", s.opts.EscalatedRadius)

	var candidates []Candidate
	err = s.retry(ctx, "eligibility query", eventID, func() error {
		var err error
		candidates, err = s.findEligible(ctx, ev.Location, s.opts.EscalatedRadius)
		return err
	})
	if err != nil {
		s.escalationFailed(ctx, eventID, err)
		return
	}

	var alerts []*Alert
	err = s.retry(ctx, "add alerts", eventID, func() error {
		var err error
		alerts, err = s.store.AddAlerts(ctx, eventID, RoundEscalated, candidates, s.opts.Now())
		return err
	})
	switch {
	case errors.Is(err, ErrEventNotActive):
		s.logger.Info("event closed during escalation", "eventID", eventID)
	case err != nil:
		s.escalationFailed(ctx, eventID, err)
		return
	}
	s.metrics.AlertsCreated.WithLabelValues(string(RoundEscalated)).Add(float64(len(alerts)))

	s.pushAlerts(ctx, ev, alerts)

	n := oversightNotification(NotifyEscalated, ev, s.opts.Now())
	n.RadiusMeters = s.opts.EscalatedRadius
	n.RespondersNotified = count(len(alerts))
	s.gateway.Oversight(ctx, n)
	s.metrics.Escalations.WithLabelValues("fired").Inc()
}

func (s *Service) escalationFailed(ctx context.Context, eventID string, err error) {
	s.metrics.Escalations.WithLabelValues("failed").Inc()
	s.logger.Error("escalation failed", "eventID", eventID, "error", err)
	s.gateway.Oversight(ctx, Notification{
		Type:      NotifyEscalationFailed,
		EventID:   eventID,
		Reason:    err.Error(),
		Timestamp: s.opts.Now(),
	})
}

// retry runs fn up to MaxAttempts times with linear backoff. Conflicts are returned at once.
func (s *Service) retry(ctx context.Context, op, eventID string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt >= s.opts.MaxAttempts {
			return err
		}
		s.logger.Warn("escalation step failed, retrying", "op", op, "eventID", eventID,
			"attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * s.opts.RetryBackoff):
		}
	}
}

func retryable(err error) bool {
	return !IsConflict(err) &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrEscalationNotArmed) &&
		!errors.Is(err, context.Canceled)
}
