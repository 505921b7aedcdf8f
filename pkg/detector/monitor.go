// Package detector holds the failure-detection machinery: the leader
// heartbeat monitor, the active probe round, the partition detector, and
// round-trip estimation. It raises signals; acting on them (elections,
// removal) is the caller's business.
package detector

import (
	"sync"
	"time"

	"github.com/ryandielhenn/flock/pkg/wire"
)

// LeaderMonitor watches the stream of leader heartbeats and decides when
// the leader is gone. AckRTT accumulates heartbeat round-trip samples while
// this node itself leads.
type LeaderMonitor struct {
	timeout time.Duration

	mu       sync.Mutex
	leader   wire.NodeID
	hasSeen  bool
	lastSeen time.Time

	AckRTT RTT
}

func NewLeaderMonitor(timeout time.Duration) *LeaderMonitor {
	return &LeaderMonitor{timeout: timeout}
}

// Observe records a heartbeat from the given leader.
func (m *LeaderMonitor) Observe(leader wire.NodeID, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leader = leader
	m.hasSeen = true
	m.lastSeen = now
}

// Leader returns the last leader a heartbeat was seen from.
func (m *LeaderMonitor) Leader() (wire.NodeID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader, m.hasSeen
}

// Reset forgets the heartbeat history, e.g. after adopting a new leader, so
// the previous leader's silence is not held against the new one.
func (m *LeaderMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasSeen = false
}

// Expired reports whether the watched leader has been silent beyond the
// heartbeat timeout. It returns false until at least one heartbeat has been
// seen; startup silence is the discovery manager's problem, not a failure.
func (m *LeaderMonitor) Expired(now time.Time) (wire.NodeID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasSeen {
		return 0, false
	}
	if now.Sub(m.lastSeen) > m.timeout {
		return m.leader, true
	}
	return 0, false
}
