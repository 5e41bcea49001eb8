// Package notify delivers dispatch notifications to websocket sessions and the Redis oversight channel.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"failsafe-dispatch/internal/failsafe"
	"failsafe-dispatch/internal/ws"
)

// Hub is the part of ws.Manager the gateway needs.
type Hub interface {
	SendTo(kind ws.Kind, id string, msg ws.Message) error
	Broadcast(kind ws.Kind, msg ws.Message) int
}

const (
	publishQueueSize = 256
	publishTimeout   = 2 * time.Second
)

// Gateway implements failsafe.Gateway on top of the websocket hub. Oversight notifications are also
// published on a Redis channel when a client is set. Publishing happens on a goroutine owned by the
// gateway; when the queue is full the notification is dropped for Redis subscribers.
type Gateway struct {
	hub     Hub
	client  *redis.Client
	channel string
	logger  *slog.Logger

	queue  chan []byte
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewGateway(hub Hub, client *redis.Client, channel string, logger *slog.Logger) *Gateway {
	g := &Gateway{
		hub:     hub,
		client:  client,
		channel: channel,
		logger:  logger,
	}
	if client != nil {
		ctx, cancel := context.WithCancel(context.Background())
		g.queue = make(chan []byte, publishQueueSize)
		g.cancel = cancel
		g.wg.Add(1)
		go g.publishLoop(ctx)
	}
	return g
}

// Close stops the Redis publisher. Queued notifications not yet published are discarded.
func (g *Gateway) Close() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	g.wg.Wait()
}

func (g *Gateway) publishLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-g.queue:
			g.publish(ctx, payload)
		}
	}
}

func (g *Gateway) publish(ctx context.Context, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := g.client.Publish(ctx, g.channel, payload).Err(); err != nil {
		g.logger.Warn("failed to publish oversight notification", "channel", g.channel, "error", err)
	}
}

func (g *Gateway) PushResponder(_ context.Context, responderID string, n failsafe.Notification) error {
	return g.send(ws.KindResponder, responderID, n)
}

func (g *Gateway) PushUser(_ context.Context, userID string, n failsafe.Notification) error {
	return g.send(ws.KindUser, userID, n)
}

func (g *Gateway) BroadcastResponders(_ context.Context, n failsafe.Notification) {
	msg, err := message(n)
	if err != nil {
		g.logger.Error("failed to encode notification", "type", n.Type, "eventID", n.EventID, "error", err)
		return
	}
	sent := g.hub.Broadcast(ws.KindResponder, msg)
	g.logger.Debug("notification broadcast to responders", "type", n.Type, "eventID", n.EventID, "sessions", sent)
}

// Oversight broadcasts n to oversight sessions and queues it for Redis. It never waits on Redis.
func (g *Gateway) Oversight(_ context.Context, n failsafe.Notification) {
	msg, err := message(n)
	if err != nil {
		g.logger.Error("failed to encode notification", "type", n.Type, "eventID", n.EventID, "error", err)
		return
	}
	g.hub.Broadcast(ws.KindOversight, msg)

	if g.queue == nil {
		return
	}
	select {
	case g.queue <- []byte(msg.Data):
	default:
		g.logger.Warn("oversight publish queue full, notification dropped", "channel", g.channel,
			"type", n.Type, "eventID", n.EventID)
	}
}

func (g *Gateway) send(kind ws.Kind, id string, n failsafe.Notification) error {
	msg, err := message(n)
	if err != nil {
		return err
	}
	return g.hub.SendTo(kind, id, msg)
}

func message(n failsafe.Notification) (ws.Message, error) {
	return ws.NewMessage(string(n.Type), n)
}

var _ failsafe.Gateway = (*Gateway)(nil)
