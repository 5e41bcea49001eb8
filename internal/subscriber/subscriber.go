package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"failsafe-dispatch/internal/failsafe"
)

// Subscriber consumes the responder heartbeat feed from a Redis pub/sub channel.
type Subscriber struct {
	logger *slog.Logger
	client *redis.Client
	topic  string
	writer failsafe.HeartbeatWriter
	now    func() time.Time
}

func NewSubscriber(logger *slog.Logger, client *redis.Client, topic string, writer failsafe.HeartbeatWriter) *Subscriber {
	return &Subscriber{
		logger: logger,
		client: client,
		topic:  topic,
		writer: writer,
		now:    time.Now,
	}
}

// Start blocks until ctx is done or Redis closes the subscription.
func (s *Subscriber) Start(ctx context.Context) error {
	s.logger.Info("Redis subscriber is running", "topic", s.topic)
	pubsub := s.client.Subscribe(ctx, s.topic)
	defer func() {
		if err := pubsub.Close(); err != nil {
			s.logger.Warn("failed to close pubsub", "error", err)
		}
	}()

	// Wait for the subscription to be confirmed so publishes right after Start are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.topic, err)
	}

	msgCh := pubsub.Channel()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				s.logger.Warn("pubsub channel closed by Redis")
				return nil
			}
			if err := s.handleMessage(ctx, msg); err != nil {
				s.logger.Error("error handling message", "error", err)
			}
		case <-ctx.Done():
			s.logger.Info("shutting down Redis subscriber")
			return nil
		}
	}
}

func (s *Subscriber) handleMessage(ctx context.Context, msg *redis.Message) error {
	var hm HeartbeatMessage
	if err := json.Unmarshal([]byte(msg.Payload), &hm); err != nil {
		s.logger.Warn("dropping malformed heartbeat", "payload", msg.Payload, "error", err)
		return nil
	}
	if err := hm.Validate(); err != nil {
		s.logger.Warn("dropping invalid heartbeat", "responderID", hm.ResponderID, "error", err)
		return nil
	}

	hb := hm.Heartbeat(s.now())
	if err := s.writer.UpsertHeartbeat(ctx, hb); err != nil {
		return fmt.Errorf("storing heartbeat of %s: %w", hb.ResponderID, err)
	}
	s.logger.Debug("heartbeat stored", "responderID", hb.ResponderID, "onDuty", hb.OnDuty, "online", hb.Online)
	return nil
}
