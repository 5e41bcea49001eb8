package failsafe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"failsafe-dispatch/internal/gis"
	"failsafe-dispatch/internal/metrics"
)

type Options struct {
	// InitialRadius and EscalatedRadius are in meters.
	InitialRadius   float64
	EscalatedRadius float64
	// Freshness bounds heartbeat age for eligibility.
	Freshness time.Duration
	// EscalationTimeout is the wait before an unclaimed event is escalated.
	EscalationTimeout time.Duration
	// MaxAttempts bounds retries of escalation-side store failures.
	MaxAttempts  int
	RetryBackoff time.Duration
	Now          func() time.Time
}

func DefaultOptions() Options {
	return Options{
		InitialRadius:     5_000,
		EscalatedRadius:   10_000,
		Freshness:         60 * time.Second,
		EscalationTimeout: 30 * time.Second,
		MaxAttempts:       3,
		RetryBackoff:      500 * time.Millisecond,
		Now:               time.Now,
	}
}

// Service is the dispatch engine: Dispatcher, Claim Resolver, Resolve and Escalation Scheduler.
type Service struct {
	store     Store
	geo       GeoIndex
	gateway   Gateway
	logger    *slog.Logger
	metrics   *metrics.Metrics
	opts      Options
	scheduler *Scheduler
}

func NewService(store Store, geo GeoIndex, gateway Gateway, logger *slog.Logger, m *metrics.Metrics, options ...Options) *Service {
	opts := DefaultOptions()
	if len(options) > 0 {
		opts = options[0]
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	s := &Service{
		store:   store,
		geo:     geo,
		gateway: gateway,
		logger:  logger,
		metrics: m,
		opts:    opts,
	}
	s.scheduler = NewScheduler(s.fireEscalation, opts.Now)
	return s
}

// Close stops every armed escalation timer and waits for in-flight escalations.
// Deadlines stay persisted and are picked up again by RecoverEscalations.
func (s *Service) Close() {
	s.scheduler.Stop()
	s.metrics.EscalationPending.Set(0)
}

// PendingEscalations returns the number of timers armed in this process.
func (s *Service) PendingEscalations() int {
	return s.scheduler.Pending()
}

// Event returns an event with every alert created for it.
func (s *Service) Event(ctx context.Context, eventID string) (*Event, []*Alert, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	alerts, err := s.store.ListAlerts(ctx, eventID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing alerts: %w", err)
	}
	return ev, alerts, nil
}

// ResponderAlerts returns the NEW alerts of a responder; the polling fallback for missed pushes.
func (s *Service) ResponderAlerts(ctx context.Context, responderID string) ([]*Alert, error) {
	if responderID == "" {
		return nil, fmt.Errorf("%w: missing responder id", ErrInvalidRequest)
	}
	return s.store.ResponderAlerts(ctx, responderID)
}

func (s *Service) findEligible(ctx context.Context, p gis.Point, radius float64) ([]Candidate, error) {
	start := time.Now()
	candidates, err := s.geo.FindEligible(ctx, p, radius, s.opts.Freshness)
	s.metrics.EligibilityQuery.Observe(time.Since(start).Seconds())
	return candidates, err
}

func (s *Service) syncPending() {
	s.metrics.EscalationPending.Set(float64(s.scheduler.Pending()))
}
