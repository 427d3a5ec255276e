// Package events delivers domain notifications: to browsers over SSE through
// the Hub, and to other services over redis pub/sub.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Event types.
const (
	TypeDocument = "document_update"
	TypeChange   = "change_update"
	TypePart     = "part_update"
	TypeBOM      = "bom_update"
	TypeTask     = "task_update"
	TypeMyTask   = "my_task_update"
)

// Event represents a Server-Sent Event
type Event struct {
	EventType string `json:"event"`
	Data      string `json:"data"`
	// UserID restricts delivery to one user's clients when set.
	UserID string `json:"-"`
}

// NewEvent encodes payload as the event data.
func NewEvent(eventType string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	return Event{EventType: eventType, Data: string(raw)}
}

// ForUser returns a copy of e addressed to one user.
func (e Event) ForUser(userID string) Event {
	e.UserID = userID
	return e
}

// Publisher 事件发布
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Client represents a connected SSE client
type Client struct {
	ID     string
	UserID string
	Events chan Event
}

// Hub manages all SSE client connections
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

// NewHub creates a new SSE Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.Named("sse"),
	}
}

// Register adds a new client to the hub
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.logger.Debug("client registered",
		zap.String("client_id", client.ID),
		zap.String("user_id", client.UserID),
		zap.Int("total", len(h.clients)))
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[clientID]; ok {
		close(client.Events)
		delete(h.clients, clientID)
		h.logger.Debug("client unregistered", zap.String("client_id", clientID), zap.Int("total", len(h.clients)))
	}
}

// Publish delivers e to every client, or to the addressed user's clients.
// A client whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if e.UserID != "" && client.UserID != e.UserID {
			continue
		}
		select {
		case client.Events <- e:
		default:
			h.logger.Warn("client buffer full, skipping event",
				zap.String("client_id", client.ID), zap.String("event", e.EventType))
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Multi publishes to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}
