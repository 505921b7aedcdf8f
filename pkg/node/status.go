package node

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ryandielhenn/flock/pkg/election"
	"github.com/ryandielhenn/flock/pkg/membership"
	"github.com/ryandielhenn/flock/pkg/reliable"
	"github.com/ryandielhenn/flock/pkg/wire"
)

// ID returns this node's derived identifier.
func (n *Node) ID() wire.NodeID { return n.id }

// IsLeader reports whether this node currently coordinates the group.
// Clients never lead.
func (n *Node) IsLeader() bool {
	return n.bully != nil && n.bully.IsLeader()
}

// CurrentLeaderID returns the leader this node currently recognizes.
// Servers answer from the election state, clients from the last observed
// coordinator heartbeat.
func (n *Node) CurrentLeaderID() (wire.NodeID, bool) {
	if n.bully != nil {
		return n.bully.Leader()
	}
	return n.monitor.Leader()
}

// GroupSnapshot returns a point-in-time copy of the group view.
func (n *Node) GroupSnapshot() []membership.Participant {
	return n.view.Snapshot()
}

// RegisterMembershipListener subscribes to join, leave, and timeout
// events. Listeners run after the view mutation commits.
func (n *Node) RegisterMembershipListener(fn membership.Listener) {
	n.view.OnEvent(fn)
}

// RegisterLeaderChangeListener subscribes to leader transitions. Only
// servers observe elections; on clients this is a no-op.
func (n *Node) RegisterLeaderChangeListener(fn election.LeaderListener) {
	if n.bully != nil {
		n.bully.OnLeaderChange(fn)
	}
}

// Status is the operational snapshot served on the ops endpoint.
type Status struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Addr     string `json:"addr"`
	Hostname string `json:"hostname"`
	Boot     string `json:"boot"`
	UptimeMS int64  `json:"uptime_ms"`

	Leader    string `json:"leader,omitempty"`
	IsLeader  bool   `json:"is_leader"`
	Phase     string `json:"phase,omitempty"`
	Discovery string `json:"discovery,omitempty"`

	Servers int `json:"servers"`
	Clients int `json:"clients"`

	InMinority bool `json:"in_minority"`

	Faults reliable.Counters `json:"faults"`

	HeartbeatRTTMS float64 `json:"heartbeat_rtt_ms,omitempty"`

	Members []membership.Participant `json:"members"`
}

// Snapshot assembles the full status surface.
func (n *Node) Snapshot() Status {
	servers, clients := n.view.Counts()
	st := Status{
		ID:       n.id.String(),
		Role:     string(n.role),
		Addr:     n.tr.LocalAddr(),
		Hostname: n.hostname,
		Boot:     n.boot,
		UptimeMS: time.Since(n.started).Milliseconds(),
		Servers:  servers,
		Clients:  clients,
		Faults:   n.msgr.Counters(),
		Members:  n.view.Snapshot(),
	}
	if leader, ok := n.CurrentLeaderID(); ok {
		st.Leader = leader.String()
	}
	if n.bully != nil {
		st.IsLeader = n.bully.IsLeader()
		st.Phase = string(n.bully.Phase())
	}
	if n.disc != nil {
		st.Discovery = string(n.disc.Phase())
	}
	if n.partition != nil {
		st.InMinority = n.partition.InMinority()
	}
	if mean := n.monitor.AckRTT.Mean(); mean > 0 {
		st.HeartbeatRTTMS = float64(mean) / float64(time.Millisecond)
	}
	return st
}

// StatusHandler serves the status snapshot as JSON.
func (n *Node) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(n.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
