package server

import (
	"sync"

	"martingale-bot-go/internal/events"
	"martingale-bot-go/internal/metrics"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Hub 将事件推送给订阅了对应用户的 websocket 客户端.
// It is an events.Handler; Handle never blocks on a client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Inc()
	h.logger.Debug("ws client connected", zap.String("user_id", c.userID), zap.Int("clients", n))
}

// unregister removes c and closes its queue. Safe to call twice.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.WSClients.Dec()
		h.logger.Debug("ws client disconnected", zap.String("user_id", c.userID), zap.Int("clients", n))
	}
}

// Handle encodes e once and queues it for every client of e.UserID. A client
// whose queue is full is disconnected.
func (h *Hub) Handle(e events.Event) {
	h.mu.RLock()
	var targets []*client
	for c := range h.clients {
		if c.userID == e.UserID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode event for ws clients", zap.String("type", string(e.Type)), zap.Error(err))
		return
	}

	var slow []*client
	h.mu.RLock()
	for _, c := range targets {
		if _, ok := h.clients[c]; !ok {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("ws client too slow, disconnecting", zap.String("user_id", c.userID))
		h.unregister(c)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.unregister(c)
	}
}
