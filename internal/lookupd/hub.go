package lookupd

import (
	"context"
	"sync"

	"github.com/oca159/gaffer/internal/protocol"
)

// Hub fans registry change events out to event-stream subscribers.
//
// Register and unregister are serialised through the Run loop via channels so
// the subscriber set needs no locking there. Broadcast is the one exception:
// it is called synchronously from registry event dispatch, holds a read lock
// just long enough to copy the subscriber set, then hands the frame to each
// subscriber's buffered channel without ever blocking — a subscriber whose
// buffer is full is disconnected rather than allowed to stall the others.
type Hub struct {
	mu      sync.RWMutex
	clients map[*EventClient]struct{}

	register   chan *EventClient
	unregister chan *EventClient
	stopped    chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*EventClient]struct{}),
		register:   make(chan *EventClient, 16),
		unregister: make(chan *EventClient, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*EventClient]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues frame for every connected subscriber. Safe to call from
// any goroutine; never blocks.
func (h *Hub) Broadcast(frame protocol.EventFrame) {
	h.mu.RLock()
	clients := make([]*EventClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- frame:
		default:
			// Subscriber is too slow to keep up — drop it so it does not
			// stall the registry's event dispatch.
			h.unregister <- c
		}
	}
}

// Subscribe registers client with the hub.
func (h *Hub) Subscribe(client *EventClient) {
	h.register <- client
}

// Unsubscribe removes client from the hub.
func (h *Hub) Unsubscribe(client *EventClient) {
	h.unregister <- client
}

// ConnectedCount returns the number of connected event subscribers.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
