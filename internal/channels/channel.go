// Package channels defines the adapter contract between the gateway and
// the chat platforms it listens on, plus the registry that fans their
// inbound messages into one stream.
package channels

import (
	"context"
	"sync"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// Adapter is the minimal contract for a channel connector: it only has to
// say which platform it speaks for. The optional capabilities below are
// discovered by interface assertion, so a webhook-only channel doesn't
// have to stub out inbound streaming.
type Adapter interface {
	Type() models.ChannelType
}

// LifecycleAdapter is implemented by adapters that hold a connection.
type LifecycleAdapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// OutboundAdapter is implemented by adapters that can deliver messages.
type OutboundAdapter interface {
	Send(ctx context.Context, msg *models.Message) error
}

// InboundAdapter is implemented by adapters that surface inbound messages.
// The channel stays open for the adapter's lifetime.
type InboundAdapter interface {
	Messages() <-chan *models.Message
}

// HealthAdapter is implemented by adapters that report connection state.
type HealthAdapter interface {
	Status() Status
}

// Status is an adapter's connection state.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"`
}

// Registry holds the configured channel adapters and merges their inbound
// streams.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ChannelType]Adapter
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.ChannelType]Adapter)}
}

// Register adds an adapter, replacing any prior adapter for the same
// channel type.
func (r *Registry) Register(adapter Adapter) {
	if adapter == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Type()] = adapter
}

// Get returns the adapter for a channel type.
func (r *Registry) Get(channelType models.ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[channelType]
	return adapter, ok
}

// GetOutbound returns the adapter for a channel type if it can send.
func (r *Registry) GetOutbound(channelType models.ChannelType) (OutboundAdapter, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	outbound, ok := adapter.(OutboundAdapter)
	return outbound, ok
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		out = append(out, adapter)
	}
	return out
}

// StartAll starts every adapter with a lifecycle, stopping the ones
// already started if a later one fails.
func (r *Registry) StartAll(ctx context.Context) error {
	var started []LifecycleAdapter
	for _, adapter := range r.All() {
		lifecycle, ok := adapter.(LifecycleAdapter)
		if !ok {
			continue
		}
		if err := lifecycle.Start(ctx); err != nil {
			for _, prior := range started {
				_ = prior.Stop(ctx)
			}
			return err
		}
		started = append(started, lifecycle)
	}
	return nil
}

// StopAll stops every adapter with a lifecycle, returning the first stop
// error after attempting all of them.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	for _, adapter := range r.All() {
		if lifecycle, ok := adapter.(LifecycleAdapter); ok {
			if err := lifecycle.Stop(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// AggregateMessages fans every inbound adapter's messages into one
// channel. The merged channel closes once ctx is cancelled and the pump
// goroutines have drained.
func (r *Registry) AggregateMessages(ctx context.Context) <-chan *models.Message {
	merged := make(chan *models.Message, 64)

	var wg sync.WaitGroup
	for _, adapter := range r.All() {
		inbound, ok := adapter.(InboundAdapter)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(source <-chan *models.Message) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, open := <-source:
					if !open {
						return
					}
					select {
					case merged <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(inbound.Messages())
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(merged)
	}()
	return merged
}
