// Package gateway is the notification fan-out process: core workers POST
// events to /emit and connected websocket clients receive them on their
// user channel, the admin channel or the broadcast channel.
package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"github.com/vt888Vip/stock-version-2-sub000/internal/notify"
)

// clientBuffer bounds each connection's outbound queue. A client that
// cannot drain fast enough loses messages rather than stalling the hub.
const clientBuffer = 64

type client struct {
	userID string
	admin  bool
	send   chan []byte
}

// Hub routes emitted events to connected clients. All operations are
// non-blocking; a full client buffer drops the message for that client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	byUser  map[string]map[*client]bool

	delivered uint64
	dropped   uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		byUser:  make(map[string]map[*client]bool),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	if h.byUser[c.userID] == nil {
		h.byUser[c.userID] = make(map[*client]bool)
	}
	h.byUser[c.userID][c] = true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	delete(h.byUser[c.userID], c)
	if len(h.byUser[c.userID]) == 0 {
		delete(h.byUser, c.userID)
	}
	close(c.send)
}

// Dispatch routes one envelope to its target: a user id, "admin" or
// "all". The data is serialized once and shared across recipients.
func (h *Hub) Dispatch(env notify.Envelope) {
	payload, err := json.Marshal(map[string]any{"event": env.Event, "data": env.Data})
	if err != nil {
		log.Printf("[gateway] marshal event %s: %v", env.Event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	switch env.UserID {
	case notify.TargetAll:
		for c := range h.clients {
			h.push(c, payload)
		}
	case notify.TargetAdmin:
		for c := range h.clients {
			if c.admin {
				h.push(c, payload)
			}
		}
	default:
		for c := range h.byUser[env.UserID] {
			h.push(c, payload)
		}
	}
}

func (h *Hub) push(c *client, payload []byte) {
	select {
	case c.send <- payload:
		atomic.AddUint64(&h.delivered, 1)
	default:
		// Slow consumer; drop rather than block the dispatch path.
		atomic.AddUint64(&h.dropped, 1)
	}
}

// Stats reports connection and delivery counters.
func (h *Hub) Stats() (connections int, users int, delivered, dropped uint64) {
	h.mu.RLock()
	connections = len(h.clients)
	users = len(h.byUser)
	h.mu.RUnlock()
	return connections, users, atomic.LoadUint64(&h.delivered), atomic.LoadUint64(&h.dropped)
}
