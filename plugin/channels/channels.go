// Package channels hosts the chat-surface adapters. An adapter owns one
// user-facing surface (console, telegram) and bridges it to the agent
// through the broker's channel gateway.
package channels

import (
	"context"
	"sync"
	"time"
)

// Gateway is the broker-side counterpart an adapter speaks through.
// Implemented by transport/rabbit.ChannelGateway.
type Gateway interface {
	// SendUtterance publishes one user utterance toward the agent.
	SendUtterance(ctx context.Context, userID, utterance string, reset bool, deadline time.Time) error

	// Run consumes bot replies for this channel, invoking deliver for each
	// until ctx is cancelled.
	Run(ctx context.Context, deliver func(userID, response string) error) error
}

// Adapter is one chat surface.
type Adapter interface {
	// ID returns the channel identifier used in broker routing keys.
	ID() string

	// Serve pumps platform traffic both ways until ctx is cancelled.
	Serve(ctx context.Context, gw Gateway) error
}

// Registry holds the configured adapters by channel id.
// Concurrent-safe for Register and Get.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.ID()] = a
	r.mu.Unlock()
}

// Get returns the adapter for a channel id, or nil when none is registered.
func (r *Registry) Get(id string) Adapter {
	r.mu.RLock()
	a := r.adapters[id]
	r.mu.RUnlock()
	return a
}

// IDs lists the registered channel ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
