// internal/delivery/registry.go
package delivery

import (
	"fmt"
	"sync"

	"github.com/user/chatsync/internal/types"
	"github.com/user/chatsync/internal/wire"
)

// Handler receives an inbound frame for the topic it was registered on.
type Handler func(f wire.Frame) error

// Registry routes inbound frames to the handler registered for their topic.
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.Topic]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[types.Topic]Handler),
	}
}

// Register sets the handler for topic, replacing any previous one.
func (r *Registry) Register(topic types.Topic, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = handler
}

// Unregister removes the handler for topic. Frames for it are then refused.
func (r *Registry) Unregister(topic types.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, topic)
}

// Topics returns the registered topics.
func (r *Registry) Topics() []types.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Topic, 0, len(r.handlers))
	for topic := range r.handlers {
		out = append(out, topic)
	}
	return out
}

// Deliver calls the handler registered for the frame's topic.
// Returns an error if no handler is registered for the topic.
func (r *Registry) Deliver(f wire.Frame) error {
	r.mu.RLock()
	handler, ok := r.handlers[f.Topic]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no delivery handler for topic: %s", f.Topic)
	}
	return handler(f)
}
