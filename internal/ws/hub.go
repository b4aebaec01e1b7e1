package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans deployment output out to subscribers keyed by project id.
type Hub struct {
	mu      sync.Mutex
	streams map[string]map[Subscriber]struct{}
	closed  bool
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	return &Hub{streams: make(map[string]map[Subscriber]struct{})}
}

// Subscribe attaches a client to a project's stream.
func (h *Hub) Subscribe(projectID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		client.Close()
		return
	}
	if _, ok := h.streams[projectID]; !ok {
		h.streams[projectID] = make(map[Subscriber]struct{})
	}
	h.streams[projectID][client] = struct{}{}
}

// Unsubscribe detaches a client. Unknown clients are ignored.
func (h *Hub) Unsubscribe(projectID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.streams[projectID]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.streams, projectID)
	}
}

// Broadcast delivers payload to every subscriber of the project. Clients
// whose send fails are closed and dropped.
func (h *Hub) Broadcast(projectID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.streams[projectID]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.streams, projectID)
	}
}

// SubscriberCount reports how many clients follow the project.
func (h *Hub) SubscriberCount(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams[projectID])
}

// Close drops and closes every subscriber; further subscriptions are
// rejected.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, clients := range h.streams {
		for c := range clients {
			c.Close()
		}
	}
	h.streams = make(map[string]map[Subscriber]struct{})
}
