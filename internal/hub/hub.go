// Package hub fans queue events out to connected panels.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Subscription narrows what a panel receives. Empty fields match everything.
type Subscription struct {
	Department string
	Category   string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

type SubscribeMessage struct {
	Action     string `json:"action"`
	Department string `json:"department"`
	Category   string `json:"category"`
}

// Envelope is the frame pushed to panels.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast never blocks; a client whose buffer is full misses the frame.
func (h *Hub) Broadcast(payload []byte, meta Subscription) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
			delivered++
		default:
			h.logger.Warn("drop message for client", zap.String("client_id", client.ID))
		}
	}
	return delivered
}

func match(sub Subscription, meta Subscription) bool {
	if sub.Department != "" && meta.Department != sub.Department {
		return false
	}
	if sub.Category != "" && meta.Category != sub.Category {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
