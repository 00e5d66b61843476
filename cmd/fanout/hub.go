package main

import (
	"sync"

	"github.com/lyzr/kernel/common/logger"
)

// message is one event payload addressed to a user's connections
type message struct {
	userID string
	data   []byte
}

// hub tracks live WebSocket connections per user and fans event
// payloads out to them. A slow connection drops messages rather than
// blocking the broadcast loop.
type hub struct {
	log *logger.Logger

	mu          sync.RWMutex
	connections map[string][]*client

	register   chan *client
	unregister chan *client
	broadcast  chan message
}

func newHub(log *logger.Logger) *hub {
	return &hub{
		log:         log,
		connections: make(map[string][]*client),
		register:    make(chan *client),
		unregister:  make(chan *client),
		broadcast:   make(chan message, 256),
	}
}

// run is the hub's event loop. It owns the connection map mutations.
func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.userID] = append(h.connections[c.userID], c)
	h.log.Info("client connected", "user_id", c.userID, "connections", len(h.connections[c.userID]))
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.connections[c.userID]
	for i, existing := range conns {
		if existing == c {
			h.connections[c.userID] = append(conns[:i], conns[i+1:]...)
			close(c.send)
			break
		}
	}
	if len(h.connections[c.userID]) == 0 {
		delete(h.connections, c.userID)
	}
	h.log.Info("client disconnected", "user_id", c.userID)
}

func (h *hub) deliver(msg message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.connections[msg.userID] {
		select {
		case c.send <- msg.data:
		default:
			h.log.Warn("client send buffer full, dropping event", "user_id", msg.userID)
		}
	}
}
