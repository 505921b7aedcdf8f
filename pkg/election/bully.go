// Package election implements bully leader election: the highest reachable
// server ID always wins, and any node observing a higher ID yields to it.
//
// Exactly one election can be in flight per node. Triggers arriving while
// one is running are coalesced into it, never stacked, so the state machine
// is serialized by a single lock.
package election

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/flock/internal/telemetry"
	"github.com/ryandielhenn/flock/pkg/membership"
	"github.com/ryandielhenn/flock/pkg/wire"
)

// Phase is the election state machine phase.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseElection    Phase = "ELECTION"
	PhaseWaitingOK   Phase = "WAITING_OK"
	PhaseCoordinator Phase = "COORDINATOR"
	PhaseFollower    Phase = "FOLLOWER"
)

// electing reports whether an election is currently in flight.
func (p Phase) electing() bool {
	return p == PhaseElection || p == PhaseWaitingOK
}

// Sender is the slice of the reliable messaging layer the election needs.
type Sender interface {
	Broadcast(ctx context.Context, kind wire.Kind, payload string) error
	Send(ctx context.Context, kind wire.Kind, payload string, dest string) error
}

// Config holds election timing.
type Config struct {
	// ElectionTimeout bounds the wait for OK responses, and again the wait
	// for the COORDINATOR announcement after an OK arrived.
	ElectionTimeout time.Duration
}

// LeaderListener is notified after this node adopts a leader (possibly
// itself).
type LeaderListener func(leader wire.NodeID, isSelf bool)

// Bully is the per-node election state machine.
type Bully struct {
	self wire.NodeID
	view *membership.View
	send Sender
	cfg  Config
	log  *zap.Logger

	// ready gates the very first election: discovery must finish before a
	// lone node may crown itself.
	ready atomic.Bool

	mu        sync.Mutex
	phase     Phase
	leader    wire.NodeID
	hasLeader bool
	startedAt time.Time
	pendingOK map[wire.NodeID]struct{}
	okCh      chan wire.NodeID
	coordCh   chan wire.NodeID
	listeners []LeaderListener
}

func New(self wire.NodeID, view *membership.View, send Sender, cfg Config, log *zap.Logger) *Bully {
	return &Bully{
		self:  self,
		view:  view,
		send:  send,
		cfg:   cfg,
		log:   log,
		phase: PhaseIdle,
	}
}

// SetReady opens the gate for elections. Called once by the discovery
// manager after the startup view has stabilized.
func (b *Bully) SetReady() { b.ready.Store(true) }

// OnLeaderChange registers a listener fired after every leader adoption.
func (b *Bully) OnLeaderChange(fn LeaderListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Phase returns the current phase.
func (b *Bully) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// Leader returns the currently adopted leader, if any.
func (b *Bully) Leader() (wire.NodeID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leader, b.hasLeader
}

// IsLeader reports whether this node is the coordinator.
func (b *Bully) IsLeader() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase == PhaseCoordinator
}

// Trigger starts an election unless one is already in flight or discovery
// has not finished. It returns immediately; the election runs in its own
// goroutine.
func (b *Bully) Trigger(ctx context.Context, reason string) {
	if !b.ready.Load() {
		b.log.Debug("election suppressed until discovery completes", zap.String("reason", reason))
		return
	}
	b.mu.Lock()
	if b.phase.electing() {
		b.mu.Unlock()
		b.log.Debug("election already in flight, trigger coalesced", zap.String("reason", reason))
		return
	}
	b.phase = PhaseElection
	b.startedAt = time.Now()
	b.okCh = make(chan wire.NodeID, 1)
	b.coordCh = make(chan wire.NodeID, 1)
	b.mu.Unlock()

	b.log.Info("starting election", zap.String("reason", reason), zap.Stringer("self", b.self))
	telemetry.ElectionsStarted.Inc()
	go b.run(ctx)
}

func (b *Bully) run(ctx context.Context) {
	// Candidate peers come from a point-in-time snapshot; the view mutates
	// underneath us while we broadcast.
	higher := make(map[wire.NodeID]struct{})
	for _, p := range b.view.Servers() {
		if p.ID > b.self {
			higher[p.ID] = struct{}{}
		}
	}

	if len(higher) == 0 {
		b.becomeCoordinator(ctx)
		return
	}

	b.mu.Lock()
	b.pendingOK = higher
	b.phase = PhaseWaitingOK
	okCh, coordCh := b.okCh, b.coordCh
	b.mu.Unlock()

	// One multicast reaches every higher-ID server; the reliable layer
	// retries it. A delivery failure is not decisive on its own, the OK
	// timeout below is.
	if err := b.send.Broadcast(ctx, wire.KindElection, ""); err != nil {
		b.log.Debug("election broadcast unacknowledged", zap.Error(err))
	}

	timer := time.NewTimer(b.cfg.ElectionTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		b.reset()
		return
	case <-timer.C:
		// No higher-ID server answered: the group is ours.
		b.becomeCoordinator(ctx)
		return
	case leader := <-coordCh:
		// The COORDINATOR frame overtook the OK; the adopt path has
		// already recorded the winner, so the election is over.
		b.log.Info("coordinator announced before any ok", zap.Stringer("leader", leader))
		return
	case from := <-okCh:
		b.log.Info("higher server answered, awaiting coordinator", zap.Stringer("from", from))
	}

	// A higher node took over the election; give it one timeout window to
	// announce itself before starting over.
	coordTimer := time.NewTimer(b.cfg.ElectionTimeout)
	defer coordTimer.Stop()
	select {
	case <-ctx.Done():
		b.reset()
	case leader := <-coordCh:
		b.log.Info("coordinator announced", zap.Stringer("leader", leader))
	case <-coordTimer.C:
		b.log.Warn("no coordinator announcement, restarting election")
		b.reset()
		b.Trigger(ctx, "coordinator timeout")
	}
}

func (b *Bully) becomeCoordinator(ctx context.Context) {
	b.mu.Lock()
	if !b.phase.electing() {
		// A coordinator was adopted while the timer ran out; the
		// election already resolved against us.
		b.mu.Unlock()
		return
	}
	b.phase = PhaseCoordinator
	changed := !b.hasLeader || b.leader != b.self
	b.leader = b.self
	b.hasLeader = true
	b.pendingOK = nil
	listeners := b.snapshotListenersLocked()
	b.mu.Unlock()

	telemetry.IsLeader.Set(1)
	if changed {
		telemetry.LeaderChanges.Inc()
	}
	b.log.Info("assuming coordinator role", zap.Stringer("id", b.self))

	if err := b.send.Broadcast(ctx, wire.KindCoordinator, ""); err != nil {
		b.log.Debug("coordinator broadcast unacknowledged", zap.Error(err))
	}
	for _, fn := range listeners {
		fn(b.self, true)
	}
}

// reset returns the machine to IDLE without touching the adopted leader.
func (b *Bully) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase.electing() {
		b.phase = PhaseIdle
	}
	b.pendingOK = nil
}

// HandleElection processes an ELECTION frame. Only servers with a strictly
// higher ID answer: they send OK back to the initiator and make sure an
// election of their own is running.
func (b *Bully) HandleElection(ctx context.Context, from wire.NodeID, fromAddr string) {
	if b.self <= from {
		return
	}
	if err := b.send.Send(ctx, wire.KindOK, from.String(), fromAddr); err != nil {
		b.log.Debug("ok reply undelivered", zap.Stringer("to", from), zap.Error(err))
	}
	b.Trigger(ctx, "election message from lower server")
}

// HandleOK processes an OK frame addressed to this node.
func (b *Bully) HandleOK(from wire.NodeID, target wire.NodeID) {
	if target != b.self {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != PhaseWaitingOK {
		return
	}
	delete(b.pendingOK, from)
	select {
	case b.okCh <- from:
	default:
	}
}

// HandleCoordinator processes a COORDINATOR frame. The sender is adopted
// unless its ID is below the one this node would itself claim, in which
// case the claim is contested with a fresh election (or a re-broadcast if
// we already hold the role).
func (b *Bully) HandleCoordinator(ctx context.Context, from wire.NodeID) {
	if from < b.self {
		b.mu.Lock()
		reassert := b.phase == PhaseCoordinator
		b.mu.Unlock()
		if reassert {
			b.log.Warn("lower server claimed coordinator, reasserting", zap.Stringer("claimant", from))
			if err := b.send.Broadcast(ctx, wire.KindCoordinator, ""); err != nil {
				b.log.Debug("coordinator reassert unacknowledged", zap.Error(err))
			}
		} else {
			b.log.Warn("lower server claimed coordinator, contesting", zap.Stringer("claimant", from))
			b.Trigger(ctx, "lower coordinator claim")
		}
		return
	}
	b.adopt(from)
}

// AdoptLeader installs a leader discovered outside the message flow, e.g.
// during partition-heal reconciliation.
func (b *Bully) AdoptLeader(id wire.NodeID) {
	if id == b.self {
		return
	}
	b.adopt(id)
}

func (b *Bully) adopt(id wire.NodeID) {
	b.mu.Lock()
	wasLeader := b.phase == PhaseCoordinator
	changed := !b.hasLeader || b.leader != id
	b.phase = PhaseFollower
	b.leader = id
	b.hasLeader = true
	b.pendingOK = nil
	coordCh := b.coordCh
	listeners := b.snapshotListenersLocked()
	b.mu.Unlock()

	telemetry.IsLeader.Set(0)
	if wasLeader {
		b.log.Info("demoting to follower", zap.Stringer("leader", id))
	}
	if coordCh != nil {
		select {
		case coordCh <- id:
		default:
		}
	}
	if changed {
		telemetry.LeaderChanges.Inc()
		b.log.Info("adopted leader", zap.Stringer("leader", id))
		for _, fn := range listeners {
			fn(id, false)
		}
	}
}

// ClearLeader forgets the current leader (it timed out); the caller is
// expected to trigger a new election.
func (b *Bully) ClearLeader() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hasLeader = false
	if b.phase == PhaseFollower {
		b.phase = PhaseIdle
	}
}

func (b *Bully) snapshotListenersLocked() []LeaderListener {
	return append([]LeaderListener(nil), b.listeners...)
}
