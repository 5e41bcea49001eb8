package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"failsafe-dispatch/internal/failsafe"
)

// Kind is the audience a websocket session belongs to.
type Kind string

const (
	KindResponder Kind = "responder"
	KindUser      Kind = "user"
	KindOversight Kind = "oversight"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindResponder, KindUser, KindOversight:
		return true
	}
	return false
}

// Manager tracks live sessions by kind and id. A new session for an id replaces the old one.
type Manager struct {
	clients    map[Kind]map[string]*Client
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *slog.Logger
	heartbeats failsafe.HeartbeatWriter
	now        func() time.Time
}

// NewManager creates a hub. heartbeats receives the heartbeats responders send over their socket;
// it may be nil.
func NewManager(ctx context.Context, logger *slog.Logger, heartbeats failsafe.HeartbeatWriter) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		clients: map[Kind]map[string]*Client{
			KindResponder: {},
			KindUser:      {},
			KindOversight: {},
		},
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		heartbeats: heartbeats,
		now:        time.Now,
	}
}

func (m *Manager) Start() {
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			prev := m.clients[client.Kind][client.ID]
			m.clients[client.Kind][client.ID] = client
			m.mu.Unlock()
			if prev != nil {
				m.logger.Info("session replaced", "kind", client.Kind, "clientID", client.ID)
				go prev.Close()
			}
			m.logger.Info("client connected", "kind", client.Kind, "clientID", client.ID)
		case client := <-m.unregister:
			m.mu.Lock()
			if cur, ok := m.clients[client.Kind][client.ID]; ok && cur == client {
				delete(m.clients[client.Kind], client.ID)
				m.logger.Info("client disconnected", "kind", client.Kind, "clientID", client.ID)
			}
			m.mu.Unlock()
		case <-m.ctx.Done():
			return
		}
	}
}

// HandleNewConnection starts the pumps of a freshly accepted connection.
func (m *Manager) HandleNewConnection(kind Kind, id string, conn *websocket.Conn) {
	NewClient(id, kind, conn, m).Start()
}

// SendTo queues msg for the session kind/id. It returns failsafe.ErrNotConnected when there is none.
func (m *Manager) SendTo(kind Kind, id string, msg Message) error {
	m.mu.RLock()
	client, ok := m.clients[kind][id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, id, failsafe.ErrNotConnected)
	}
	return client.Send(msg)
}

// Broadcast queues msg for every session of kind and returns how many accepted it.
func (m *Manager) Broadcast(kind Kind, msg Message) int {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients[kind]))
	for _, c := range m.clients[kind] {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if err := c.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}

// Connected reports whether a session is live for kind/id.
func (m *Manager) Connected(kind Kind, id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clients[kind][id]
	return ok
}

func (m *Manager) Count(kind Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients[kind])
}

func (m *Manager) forceDisconnect(c *Client) {
	c.Close()
}

func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	var clients []*Client
	for _, byID := range m.clients {
		for id, client := range byID {
			clients = append(clients, client)
			delete(byID, id)
		}
	}
	m.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

// NewMessage builds a Message with v marshalled as its data.
func NewMessage(msgType string, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("marshalling %s message: %w", msgType, err)
	}
	return Message{Type: msgType, Data: data}, nil
}
