// Package presence tracks which recipients currently hold an open realtime
// channel.
//
// The Registry is the single source of truth for reachability. It is an
// explicitly owned instance passed to the dispatcher and the websocket hub;
// nothing in Herald keeps presence in package-level state.
package presence

import (
	"sort"
	"sync"
)

// Registry maps channel ids to recipients in both directions. A recipient may
// hold several channels at once (multi-device). All methods are safe for
// concurrent use and never block on I/O.
type Registry struct {
	mu          sync.RWMutex
	byChannel   map[string]string              // channelID → recipientID
	byRecipient map[string]map[string]struct{} // recipientID → set of channelIDs
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byChannel:   make(map[string]string),
		byRecipient: make(map[string]map[string]struct{}),
	}
}

// Register associates channelID with recipientID. Registering the same pair
// again is a no-op; registering a known channel under a different recipient
// moves it.
func (r *Registry) Register(channelID, recipientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byChannel[channelID]; ok {
		if prev == recipientID {
			return
		}
		r.removeLocked(channelID, prev)
	}
	r.byChannel[channelID] = recipientID
	set, ok := r.byRecipient[recipientID]
	if !ok {
		set = make(map[string]struct{})
		r.byRecipient[recipientID] = set
	}
	set[channelID] = struct{}{}
}

// Unregister removes channelID and returns the recipient it belonged to, or ""
// when the channel was not registered.
func (r *Registry) Unregister(channelID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	recipientID, ok := r.byChannel[channelID]
	if !ok {
		return ""
	}
	r.removeLocked(channelID, recipientID)
	return recipientID
}

func (r *Registry) removeLocked(channelID, recipientID string) {
	delete(r.byChannel, channelID)
	set := r.byRecipient[recipientID]
	delete(set, channelID)
	if len(set) == 0 {
		delete(r.byRecipient, recipientID)
	}
}

// IsReachable reports whether recipientID has at least one open channel.
func (r *Registry) IsReachable(recipientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRecipient[recipientID]) > 0
}

// Channels returns a sorted snapshot of the channel ids open for recipientID.
func (r *Registry) Channels(recipientID string) []string {
	r.mu.RLock()
	set := r.byRecipient[recipientID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Recipient returns the recipient owning channelID.
func (r *Registry) Recipient(channelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byChannel[channelID]
	return id, ok
}

// Len returns the number of open channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel)
}

// Recipients returns the number of reachable recipients.
func (r *Registry) Recipients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRecipient)
}
