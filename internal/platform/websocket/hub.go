// Package websocket binds note streaming channels to WebSocket connections
// and tracks the streams that are currently delivering.
package websocket

import (
	"sync"

	"github.com/medscribe/medscribe/internal/platform/stream"
)

// Hub is the registry of active note streams. All operations are
// thread-safe via sync.RWMutex.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]*stream.Channel
	closed  bool
}

func NewHub() *Hub {
	return &Hub{streams: make(map[string]*stream.Channel)}
}

// Register adds a stream under id. After Shutdown the channel is cancelled
// immediately and false is returned.
func (h *Hub) Register(id string, ch *stream.Channel) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ch.Cancel()
		return false
	}
	h.streams[id] = ch
	h.mu.Unlock()
	return true
}

// Unregister removes the stream. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams, id)
}

// Cancel stops a single stream and reports whether it was found.
func (h *Hub) Cancel(id string) bool {
	h.mu.RLock()
	ch, ok := h.streams[id]
	h.mu.RUnlock()
	if ok {
		ch.Cancel()
	}
	return ok
}

// Shutdown cancels every active stream and refuses new ones. It returns the
// number of streams cancelled.
func (h *Hub) Shutdown() int {
	h.mu.Lock()
	h.closed = true
	active := make([]*stream.Channel, 0, len(h.streams))
	for _, ch := range h.streams {
		active = append(active, ch)
	}
	h.mu.Unlock()

	// Cancel blocks on an in-flight fragment, so it runs outside the lock.
	for _, ch := range active {
		ch.Cancel()
	}
	return len(active)
}

// Count returns the number of active streams.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}
