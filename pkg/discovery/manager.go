// Package discovery orchestrates phased startup. A node announces itself
// and probes for peers before elections are allowed to run; without this
// gate a transiently isolated node would crown itself moments before a
// legitimate higher-ID peer showed up.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/flock/pkg/membership"
	"github.com/ryandielhenn/flock/pkg/wire"
)

// Phase is the discovery lifecycle phase.
type Phase string

const (
	PhaseStartup Phase = "STARTUP"
	PhaseJoining Phase = "JOINING"
	PhaseRunning Phase = "RUNNING"
)

var errNoPeers = errors.New("discovery: no peers responded yet")

// Sender is the slice of the reliable messaging layer discovery needs.
type Sender interface {
	Broadcast(ctx context.Context, kind wire.Kind, payload string) error
}

// Config holds the startup discovery policy.
type Config struct {
	// Attempts is the number of probe rounds during startup.
	Attempts int
	// RetryDelay is the pause between rounds.
	RetryDelay time.Duration
	// Window bounds the whole startup phase; discovery completes when a
	// peer responds or the window elapses, whichever comes first.
	Window time.Duration
}

// Manager drives the STARTUP -> RUNNING transition and late-join rounds.
type Manager struct {
	send Sender
	view *membership.View
	self wire.NodeID
	cfg  Config
	log  *zap.Logger

	mu    sync.Mutex
	phase Phase

	readyOnce sync.Once
	ready     chan struct{}
}

func New(send Sender, view *membership.View, self wire.NodeID, cfg Config, log *zap.Logger) *Manager {
	return &Manager{
		send:  send,
		view:  view,
		self:  self,
		cfg:   cfg,
		log:   log,
		phase: PhaseStartup,
		ready: make(chan struct{}),
	}
}

// Ready is closed once discovery completes; the first election must not
// fire before then.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Phase returns the current discovery phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

// peerKnown reports whether at least one other server has shown up in the
// group view. Responses and announcements land there via the dispatch loop.
func (m *Manager) peerKnown() bool {
	for _, p := range m.view.Servers() {
		if p.ID != m.self {
			return true
		}
	}
	return false
}

// Run performs startup discovery: up to Attempts probe rounds spaced by
// RetryDelay, then a poll of the remaining startup window. It closes the
// ready gate on completion and returns.
func (m *Manager) Run(ctx context.Context) error {
	deadline := time.Now().Add(m.cfg.Window)
	m.log.Info("starting discovery",
		zap.Int("attempts", m.cfg.Attempts),
		zap.Duration("window", m.cfg.Window))

	m.rounds(ctx)

	// Late responses may still arrive inside the startup window.
	for !m.peerKnown() && time.Now().Before(deadline) && ctx.Err() == nil {
		timer := time.NewTimer(m.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	if m.peerKnown() {
		m.log.Info("discovery complete, peers found")
	} else {
		m.log.Info("discovery window elapsed with no peers")
	}
	m.setPhase(PhaseRunning)
	m.readyOnce.Do(func() { close(m.ready) })
	return ctx.Err()
}

// Rejoin runs a bounded burst of probe rounds outside startup, e.g. after
// a partition heals, to repopulate the view quickly.
func (m *Manager) Rejoin(ctx context.Context) {
	m.setPhase(PhaseJoining)
	defer m.setPhase(PhaseRunning)
	m.rounds(ctx)
}

func (m *Manager) rounds(ctx context.Context) {
	round := func() error {
		if err := m.send.Broadcast(ctx, wire.KindServerProbe, ""); err != nil {
			m.log.Debug("probe broadcast failed", zap.Error(err))
		}
		if m.peerKnown() {
			return nil
		}
		return errNoPeers
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(m.cfg.RetryDelay),
			uint64(m.cfg.Attempts-1),
		), ctx)
	// Exhausting every round without a peer is not an error here; the
	// caller decides what silence means.
	_ = backoff.Retry(round, bo)
}
