package gateway

import (
	"context"
	"errors"
	"sync"
)

// ErrNoActiveConnection means no transport is connected for the account.
var ErrNoActiveConnection = errors.New("no active meshtastic connection")

// SendOptions routes an outbound text.
type SendOptions struct {
	// ChannelIndex selects the device channel for group sends.
	ChannelIndex uint8
	// ChannelName routes broker publishes to a channel's downlink topic.
	ChannelName string
}

// SendFunc transmits one text to a target node id, or broadcasts when
// target is empty.
type SendFunc func(ctx context.Context, target, text string, opts SendOptions) error

// SendRegistry holds the active send handle per account. Monitors install
// their handle once the transport is up and clear it when it drops, so ad
// hoc sends always reach the live connection.
type SendRegistry struct {
	mu    sync.RWMutex
	sends map[string]SendFunc
}

// NewSendRegistry returns an empty registry.
func NewSendRegistry() *SendRegistry {
	return &SendRegistry{sends: make(map[string]SendFunc)}
}

// Install sets the account's active send handle, replacing any previous one.
func (r *SendRegistry) Install(accountID string, fn SendFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends[accountID] = fn
}

// Clear removes the account's send handle.
func (r *SendRegistry) Clear(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sends, accountID)
}

// Lookup returns the account's send handle, or ErrNoActiveConnection.
func (r *SendRegistry) Lookup(accountID string) (SendFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.sends[accountID]
	if !ok {
		return nil, ErrNoActiveConnection
	}
	return fn, nil
}

// Active lists accounts with a live send handle.
func (r *SendRegistry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sends))
	for id := range r.sends {
		out = append(out, id)
	}
	return out
}
