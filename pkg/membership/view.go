// Package membership keeps the authoritative table of known participants.
// All mutation happens inside one critical section; every consumer iterates
// over immutable snapshots, never the live table. Concurrent timers sweep
// the table while other loops iterate it, so this split is load-bearing.
package membership

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/flock/internal/telemetry"
	"github.com/ryandielhenn/flock/pkg/wire"
)

// View is the group view. The zero value is not usable; construct with New.
type View struct {
	serverTimeout time.Duration
	clientTimeout time.Duration
	log           *zap.Logger
	now           func() time.Time

	mu           sync.Mutex
	participants map[wire.NodeID]*Participant
	listeners    []Listener
}

func New(serverTimeout, clientTimeout time.Duration, log *zap.Logger) *View {
	return &View{
		serverTimeout: serverTimeout,
		clientTimeout: clientTimeout,
		log:           log,
		now:           time.Now,
		participants:  make(map[wire.NodeID]*Participant),
	}
}

// OnEvent registers a listener for join/leave/timeout events. Events fire
// after the mutation they describe, not before.
func (v *View) OnEvent(fn Listener) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, fn)
}

// Observe inserts or refreshes a participant from a liveness signal and
// reports whether it was new. A known ID reappearing with a different boot
// token is a restarted process: the old entry is replaced and a fresh join
// event is raised.
func (v *View) Observe(p Participant) bool {
	now := v.now()

	v.mu.Lock()
	cur, ok := v.participants[p.ID]
	if ok && (p.Boot == "" || cur.Boot == p.Boot) {
		cur.LastSeen = now
		if p.Addr != "" {
			cur.Addr = p.Addr
		}
		v.mu.Unlock()
		return false
	}

	np := p.clone()
	np.JoinedAt = now
	np.LastSeen = now
	v.participants[p.ID] = &np
	v.updateGaugesLocked()
	ev, listeners := Event{Type: EventJoin, Participant: np.clone()}, v.snapshotListenersLocked()
	v.mu.Unlock()

	if ok {
		v.log.Info("participant rejoined", zap.Stringer("id", p.ID), zap.String("role", string(p.Role)))
	} else {
		v.log.Info("participant joined",
			zap.Stringer("id", p.ID),
			zap.String("role", string(p.Role)),
			zap.String("hostname", p.Hostname))
	}
	notify(listeners, ev)
	return true
}

// Touch refreshes LastSeen for a known participant.
func (v *View) Touch(id wire.NodeID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.participants[id]; ok {
		p.LastSeen = v.now()
	}
}

// Remove deletes a participant (graceful leave) and raises a leave event.
func (v *View) Remove(id wire.NodeID) (Participant, bool) {
	v.mu.Lock()
	p, ok := v.participants[id]
	if !ok {
		v.mu.Unlock()
		return Participant{}, false
	}
	delete(v.participants, id)
	v.updateGaugesLocked()
	gone := p.clone()
	listeners := v.snapshotListenersLocked()
	v.mu.Unlock()

	v.log.Info("participant left", zap.Stringer("id", id))
	notify(listeners, Event{Type: EventLeave, Participant: gone})
	return gone, true
}

// Get returns a copy of one participant.
func (v *View) Get(id wire.NodeID) (Participant, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.participants[id]
	if !ok {
		return Participant{}, false
	}
	return p.clone(), true
}

// Snapshot returns an immutable point-in-time copy of the whole view,
// sorted by ID. Every iteration anywhere else in the process goes through
// this.
func (v *View) Snapshot() []Participant {
	v.mu.Lock()
	out := make([]Participant, 0, len(v.participants))
	for _, p := range v.participants {
		out = append(out, p.clone())
	}
	v.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Servers returns a snapshot of the server participants.
func (v *View) Servers() []Participant {
	return filter(v.Snapshot(), RoleServer)
}

// Clients returns a snapshot of the client participants.
func (v *View) Clients() []Participant {
	return filter(v.Snapshot(), RoleClient)
}

// Counts returns the number of servers and clients currently in view.
func (v *View) Counts() (servers, clients int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range v.participants {
		if p.Role == RoleServer {
			servers++
		} else {
			clients++
		}
	}
	return servers, clients
}

// Sweep removes every participant silent for longer than its role's
// liveness timeout and returns the removed set. Callers use the returned
// set to raise higher-level signals (e.g. leader failure).
func (v *View) Sweep(now time.Time) []Participant {
	v.mu.Lock()
	var removed []Participant
	for id, p := range v.participants {
		timeout := v.serverTimeout
		if p.Role == RoleClient {
			timeout = v.clientTimeout
		}
		if now.Sub(p.LastSeen) > timeout {
			removed = append(removed, p.clone())
			delete(v.participants, id)
		}
	}
	if len(removed) > 0 {
		v.updateGaugesLocked()
	}
	listeners := v.snapshotListenersLocked()
	v.mu.Unlock()

	for _, p := range removed {
		telemetry.MemberTimeouts.Inc()
		v.log.Warn("participant timed out",
			zap.Stringer("id", p.ID),
			zap.String("role", string(p.Role)),
			zap.Time("last_seen", p.LastSeen))
		notify(listeners, Event{Type: EventTimeout, Participant: p})
	}
	return removed
}

func (v *View) snapshotListenersLocked() []Listener {
	return append([]Listener(nil), v.listeners...)
}

func (v *View) updateGaugesLocked() {
	var servers, clients float64
	for _, p := range v.participants {
		if p.Role == RoleServer {
			servers++
		} else {
			clients++
		}
	}
	telemetry.Members.WithLabelValues(string(RoleServer)).Set(servers)
	telemetry.Members.WithLabelValues(string(RoleClient)).Set(clients)
}

func notify(listeners []Listener, ev Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}

func filter(ps []Participant, role Role) []Participant {
	var out []Participant
	for _, p := range ps {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out
}
