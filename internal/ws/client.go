package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"failsafe-dispatch/internal/failsafe"
	"failsafe-dispatch/internal/gis"
)

const (
	// sendChannelSize controls the max number
	// of messages that can be queued for a client.
	sendChannelSize = 16
	pingPeriod      = (60 * 9 * time.Second) / 10
	writeTimeout    = 10 * time.Second
)

// ErrSlowClient is returned when a client's send buffer is full. The client is disconnected.
var ErrSlowClient = errors.New("client send buffer full")

type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HeartbeatData is the payload of a "heartbeat" message sent by a responder.
type HeartbeatData struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	OnDuty bool    `json:"on_duty"`
	Online bool    `json:"online"`
}

type Client struct {
	ID      string
	Kind    Kind
	Conn    *websocket.Conn
	Manager *Manager
	send    chan Message
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func NewClient(id string, kind Kind, conn *websocket.Conn, manager *Manager) *Client {
	ctx, cancel := context.WithCancel(manager.ctx)
	return &Client{
		ID:      id,
		Kind:    kind,
		Conn:    conn,
		Manager: manager,
		send:    make(chan Message, sendChannelSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Client) Start() {
	go c.readPump()
	go c.writePump()
	select {
	case c.Manager.register <- c:
	case <-c.Manager.ctx.Done():
		c.Close()
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		if err := c.Conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
			c.Manager.logger.Debug("failed to close connection", "kind", c.Kind, "clientID", c.ID, "error", err)
		}
		c.cancel()
	})
}

// Send queues msg without blocking. A client whose buffer is full is disconnected.
func (c *Client) Send(msg Message) error {
	if c.ctx.Err() != nil {
		return failsafe.ErrNotConnected
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.Manager.logger.Warn("client too slow, disconnecting", "kind", c.Kind, "clientID", c.ID)
		go c.Manager.forceDisconnect(c)
		return ErrSlowClient
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.Manager.unregister <- c:
		case <-c.Manager.ctx.Done():
		}
		c.Close()
	}()

	for {
		var msg Message
		if err := wsjson.Read(c.ctx, c.Conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || c.ctx.Err() != nil {
				c.Manager.logger.Debug("client disconnected", "kind", c.Kind, "clientID", c.ID)
			} else {
				c.Manager.logger.Warn("failed to read message", "kind", c.Kind, "clientID", c.ID, "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := wsjson.Write(ctx, c.Conn, msg)
			cancel()
			if err != nil {
				c.Manager.logger.Warn("failed to write message", "kind", c.Kind, "clientID", c.ID, "error", err)
				return
			}
			c.Manager.logger.Debug("message sent", "kind", c.Kind, "clientID", c.ID, "type", msg.Type)
		case <-ticker.C:
			if err := c.Conn.Ping(c.ctx); err != nil {
				c.Manager.logger.Debug("failed to ping client", "kind", c.Kind, "clientID", c.ID, "error", err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case "heartbeat":
		if c.Kind != KindResponder {
			c.Manager.logger.Warn("heartbeat from non-responder session", "kind", c.Kind, "clientID", c.ID)
			return
		}
		if err := c.storeHeartbeat(msg.Data); err != nil {
			c.Manager.logger.Warn("failed to store heartbeat", "clientID", c.ID, "error", err)
			return
		}
		c.Manager.logger.Debug("heartbeat stored", "clientID", c.ID)
	default:
		c.Manager.logger.Debug("received unknown type message", "kind", c.Kind, "clientID", c.ID, "type", msg.Type)
	}
}

func (c *Client) storeHeartbeat(data json.RawMessage) error {
	if c.Manager.heartbeats == nil {
		return errors.New("heartbeats not accepted on this hub")
	}
	var hd HeartbeatData
	if err := json.Unmarshal(data, &hd); err != nil {
		return fmt.Errorf("unmarshalling heartbeat: %w", err)
	}
	return c.Manager.heartbeats.UpsertHeartbeat(c.ctx, failsafe.Heartbeat{
		ResponderID: c.ID,
		Role:        failsafe.RoleResponder,
		Location:    gis.Point{Lat: hd.Lat, Lng: hd.Lng},
		Timestamp:   c.Manager.now(),
		OnDuty:      hd.OnDuty,
		Online:      hd.Online,
	})
}
