package server

import (
	"fmt"
	"sync"

	"pricefeed/internal/broadcast"

	"github.com/sirupsen/logrus"
)

// Hub maps session ids to live connections and implements the broadcast
// transport on top of per-client send queues
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	sendBuffer  int
	maxFailures int32
	logger      *logrus.Logger
}

const defaultSendBuffer = 256

// NewHub creates a hub whose clients queue up to sendBuffer payloads and are
// closed after maxFailures consecutive failed sends. A non-positive
// maxFailures never closes clients.
func NewHub(sendBuffer, maxFailures int, logger *logrus.Logger) *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		sendBuffer:  sendBuffer,
		maxFailures: int32(maxFailures),
		logger:      logger,
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	old := h.clients[c.id]
	h.clients[c.id] = c
	h.mu.Unlock()

	if old != nil && old != c {
		old.close()
	}
}

// remove drops c only if it is still the client registered for its id
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.id] != c {
		return false
	}
	delete(h.clients, c.id)
	return true
}

func (h *Hub) get(id string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// Send queues a payload for one session
func (h *Hub) Send(sessionID string, payload []byte) error {
	c := h.get(sessionID)
	if c == nil {
		return fmt.Errorf("%w: session %s has no connection", broadcast.ErrTransportSend, sessionID)
	}

	failures := c.enqueue(payload)
	if failures == 0 {
		return nil
	}

	if h.maxFailures > 0 && failures >= h.maxFailures {
		h.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"failures":   failures,
		}).Warn("Closing slow client")
		c.close()
	}
	return fmt.Errorf("%w: session %s send queue full", broadcast.ErrTransportSend, sessionID)
}

// Close closes the connection of one session, if any
func (h *Hub) Close(sessionID string) {
	if c := h.get(sessionID); c != nil {
		c.close()
	}
}

// CloseAll closes every connection
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

// Count returns the number of open connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
