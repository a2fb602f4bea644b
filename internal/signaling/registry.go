package signaling

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// peerLink is the registry's view of a live connection: enough to deliver an
// envelope or to close a superseded socket. The hub's wsConn implements it;
// tests use in-memory fakes.
type peerLink interface {
	deliver(Envelope) error
	shutdown(reason string)
}

type registryEntry struct {
	transportID uuid.UUID
	link        peerLink
}

// Registry is the presence directory: at most one live connection handle per
// userId. A new connect for the same identity supersedes the old handle
// (last-connect-wins); the superseded handle is returned to the caller to be
// closed outside the lock.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]registryEntry),
	}
}

// Register inserts the handle for userID, returning the superseded link (nil
// if none) and whether this connect changed the user's presence from offline
// to online. A supersede is not a presence change.
func (r *Registry) Register(userID string, transportID uuid.UUID, link peerLink) (superseded peerLink, cameOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, had := r.byUser[userID]
	r.byUser[userID] = registryEntry{transportID: transportID, link: link}
	if had {
		return old.link, false
	}
	return nil, true
}

// Unregister removes the handle only if it is still the current one for
// userID. A handle that was superseded finds a different transportID in the
// map and leaves it untouched, so its disconnect does not take the user's
// replacement connection offline.
func (r *Registry) Unregister(userID string, transportID uuid.UUID) (wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byUser[userID]
	if !ok || cur.transportID != transportID {
		return false
	}
	delete(r.byUser, userID)
	return true
}

// Lookup returns the live link for userID, if any.
func (r *Registry) Lookup(userID string) (peerLink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	return e.link, true
}

// forEachExcept snapshots the current links for every user other than
// exceptUserID. The snapshot lets callers deliver outside the lock.
func (r *Registry) forEachExcept(exceptUserID string) []peerLink {
	r.mu.Lock()
	defer r.mu.Unlock()

	links := make([]peerLink, 0, len(r.byUser))
	for userID, e := range r.byUser {
		if userID == exceptUserID {
			continue
		}
		links = append(links, e.link)
	}
	return links
}

// drainAll removes and returns every registered link, for shutdown.
func (r *Registry) drainAll() []peerLink {
	r.mu.Lock()
	defer r.mu.Unlock()

	links := make([]peerLink, 0, len(r.byUser))
	for userID, e := range r.byUser {
		links = append(links, e.link)
		delete(r.byUser, userID)
	}
	return links
}

// OnlineUsers returns the sorted set of currently registered userIds.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}
