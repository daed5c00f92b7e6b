// Package session maps a durable claimant identity to the live channel that
// currently serves it. Lookups happen at delivery time, so a background stage
// that started before a reconnect still reaches the new channel.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrBackpressure marks a send refused because the channel is momentarily
// full. The channel is still alive, so the router keeps the mapping.
var ErrBackpressure = errors.New("session: channel busy")

// Transport sends one event over a live channel. It is torn down by the
// transport without telling the router; a send error is the only signal.
// Send wraps ErrBackpressure when the channel is alive but cannot take more.
type Transport interface {
	Send(channelID, event string, payload any) error
}

type Router struct {
	mu        sync.RWMutex
	transport Transport
	channels  map[string]string // identity -> channel id
}

func NewRouter(t Transport) *Router {
	return &Router{transport: t, channels: make(map[string]string)}
}

// Bind maps identity to channelID, superseding any previous channel.
func (r *Router) Bind(identity, channelID string) {
	r.mu.Lock()
	prev, had := r.channels[identity]
	r.channels[identity] = channelID
	r.mu.Unlock()
	if had && prev != channelID {
		log.Printf("[Session] superseded identity=%s old=%s new=%s", identity, prev, channelID)
	}
}

// Unbind removes the mapping only if it still points at channelID, so a
// late disconnect of an old channel cannot drop a newer one.
func (r *Router) Unbind(identity, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.channels[identity]; ok && cur == channelID {
		delete(r.channels, identity)
		return true
	}
	return false
}

func (r *Router) Lookup(identity string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[identity]
	return ch, ok
}

// Push delivers event to identity's current channel. It reports false on a
// delivery miss; the caller has already persisted whatever is being pushed.
func (r *Router) Push(ctx context.Context, identity, event string, payload any) bool {
	if ctx.Err() != nil {
		return false
	}
	ch, ok := r.Lookup(identity)
	if !ok || r.transport == nil {
		return false
	}
	if err := r.transport.Send(ch, event, payload); err != nil {
		if errors.Is(err, ErrBackpressure) {
			log.Printf("[Session] send dropped identity=%s channel=%s event=%s err=%v", identity, ch, event, err)
			return false
		}
		log.Printf("[Session] send failed identity=%s channel=%s event=%s err=%v", identity, ch, event, err)
		r.Unbind(identity, ch)
		return false
	}
	return true
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
