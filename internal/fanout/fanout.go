// Package fanout tracks which duplex connections belong to which user and
// delivers one logical event to all of them. Pure bookkeeping, no business
// logic.
package fanout

import (
	"sync"

	"github.com/hexwave/chatmux/pkg/wire"
)

type Hub struct {
	mu    sync.RWMutex
	users map[string]map[string]*Client
}

func NewHub() *Hub {
	return &Hub{users: make(map[string]map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[client.UserID()]
	if !ok {
		set = make(map[string]*Client)
		h.users[client.UserID()] = set
	}
	set[client.ID()] = client
}

// Unregister removes the client and drops the user entry once its set is
// empty.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	set, ok := h.users[client.UserID()]
	if ok {
		delete(set, client.ID())
		if len(set) == 0 {
			delete(h.users, client.UserID())
		}
	}
	h.mu.Unlock()

	if ok {
		client.Close()
	}
}

// SendToUser queues the envelope on every connection the user owns, so
// other tabs and devices of the same user observe the same stream. Clients
// whose buffers are full are unregistered.
func (h *Hub) SendToUser(userID string, msg wire.ServerEnvelope) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.users[userID]))
	for _, client := range h.users[userID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if client.Queue(msg) {
			continue
		}
		h.Unregister(client)
	}
}

func (h *Hub) BroadcastAll(msg wire.ServerEnvelope) {
	h.mu.RLock()
	var clients []*Client
	for _, set := range h.users {
		for _, client := range set {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if client.Queue(msg) {
			continue
		}
		h.Unregister(client)
	}
}

// Connections reports how many live connections the user has.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
