package metrics

import "sync"

// Counter names used across the signaling server. Keeping them in one place
// makes it obvious which events are observable without grepping call sites.
const (
	AuthFailures          = "auth_failures"
	PresenceRegistered    = "presence_registered"
	PresenceSuperseded    = "presence_superseded"
	PresenceUnregistered  = "presence_unregistered"
	PresenceBroadcasts    = "presence_broadcasts"
	RelayDelivered        = "relay_delivered"
	RelayDropTargetAway   = "relay_drop_target_offline"
	RelayDropMalformed    = "relay_drop_malformed"
	RelayDropRateLimited  = "relay_drop_rate_limited"
	RelayDropOversized    = "relay_drop_oversized"
	ChatPushed            = "chat_pushed"
	TURNCredentialsMinted = "turn_credentials_minted"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The signaling server is expected to plug into a real metrics backend
// eventually; this type keeps relay and presence logic testable while still
// exposing counters for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters at a point in time.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
