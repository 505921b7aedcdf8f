// Package node wires the protocol stack into one runnable participant:
// transport, reliable messaging, group view, failure and partition
// detection, bully election, and phased discovery. It owns every periodic
// loop and the single receive/dispatch loop, and exposes the read-only
// surface collaborators consume.
package node

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/flock/internal/config"
	"github.com/ryandielhenn/flock/pkg/detector"
	"github.com/ryandielhenn/flock/pkg/discovery"
	"github.com/ryandielhenn/flock/pkg/election"
	"github.com/ryandielhenn/flock/pkg/membership"
	"github.com/ryandielhenn/flock/pkg/reliable"
	"github.com/ryandielhenn/flock/pkg/transport"
	"github.com/ryandielhenn/flock/pkg/wire"
)

// Options configure parts of a Node that are not protocol tunables.
type Options struct {
	Role membership.Role
	// Hostname overrides os.Hostname, mainly for tests.
	Hostname string
	// Transport overrides the UDP multicast transport, mainly for tests.
	Transport transport.Transport
	Logger    *zap.Logger
}

// Node is one protocol participant. Servers run the full stack; clients
// run transport, reliable messaging, the group view, and heartbeats, but
// never elect.
type Node struct {
	cfg      config.Config
	role     membership.Role
	id       wire.NodeID
	boot     string
	hostname string
	log      *zap.Logger
	started  time.Time

	tr      transport.Transport
	msgr    *reliable.Messenger
	view    *membership.View
	monitor *detector.LeaderMonitor

	// Server-only subsystems; nil on clients.
	prober    *detector.Prober
	partition *detector.Partition
	bully     *election.Bully
	disc      *discovery.Manager
}

func New(cfg config.Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	role := opts.Role
	if role == "" {
		role = membership.RoleServer
	}
	hostname := opts.Hostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "resolve hostname")
		}
		hostname = h
	}

	tr := opts.Transport
	if tr == nil {
		udp, err := transport.NewUDP(cfg.Group, cfg.TTL)
		if err != nil {
			return nil, err
		}
		tr = udp
	}

	var codec wire.Codec = wire.TextCodec{}
	if cfg.Compression == "lz4" {
		codec = wire.LZ4Codec{Codec: codec}
	}

	id := wire.DeriveID(tr.LocalAddr(), hostname)
	log = log.With(zap.Stringer("node", id))

	n := &Node{
		cfg:      cfg,
		role:     role,
		id:       id,
		boot:     uuid.NewString(),
		hostname: hostname,
		log:      log,
		started:  time.Now(),
		tr:       tr,
		view:     membership.New(cfg.ServerTimeout, cfg.ClientTimeout, log),
		monitor:  detector.NewLeaderMonitor(cfg.HeartbeatTimeout),
	}
	n.msgr = reliable.New(tr, codec, id, reliable.Config{
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
	}, log)

	if role == membership.RoleServer {
		n.prober = detector.NewProber(n.msgr, cfg.ProbeTimeout, log)
		n.partition = detector.NewPartition(cfg.StartupGrace, log)
		n.bully = election.New(id, n.view, n.msgr, election.Config{
			ElectionTimeout: cfg.ElectionTimeout,
		}, log)
		n.disc = discovery.New(n.msgr, n.view, id, discovery.Config{
			Attempts:   cfg.DiscoveryAttempts,
			RetryDelay: cfg.DiscoveryDelay,
			Window:     cfg.DiscoveryWindow,
		}, log)

		// A fresh heartbeat window starts with every adopted leader so
		// the old leader's silence is not charged to the new one.
		n.bully.OnLeaderChange(func(leader wire.NodeID, isSelf bool) {
			n.monitor.Reset()
			if !isSelf {
				n.monitor.Observe(leader, time.Now())
			}
		})
	}

	// The local node is a participant like any other; counts and majority
	// reasoning include it.
	n.view.Observe(membership.Participant{
		ID:       id,
		Role:     role,
		Addr:     tr.LocalAddr(),
		Hostname: hostname,
		Boot:     n.boot,
	})

	n.view.OnEvent(n.onMembership)

	log.Info("node initialized",
		zap.String("role", string(role)),
		zap.String("addr", tr.LocalAddr()),
		zap.String("group", cfg.Group))
	return n, nil
}

// onMembership turns view changes into election triggers.
func (n *Node) onMembership(ev membership.Event) {
	if n.bully == nil {
		return
	}
	switch ev.Type {
	case membership.EventJoin:
		if ev.Participant.Role != membership.RoleServer || ev.Participant.ID == n.id {
			return
		}
		leader, ok := n.bully.Leader()
		if !ok || ev.Participant.ID > leader {
			n.bully.Trigger(context.Background(), "higher server joined")
		}
	case membership.EventLeave, membership.EventTimeout:
		leader, ok := n.bully.Leader()
		if ok && ev.Participant.ID == leader {
			n.log.Warn("leader dropped from view", zap.Stringer("leader", leader))
			n.monitor.Reset()
			n.bully.ClearLeader()
			n.bully.Trigger(context.Background(), "leader removed from view")
		}
	}
}

// Run operates the node until ctx is cancelled. Every loop observes
// cancellation at each iteration boundary; there is no unbounded wait.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.msgr.Run(ctx) })
	g.Go(func() error { return n.dispatch(ctx) })
	g.Go(func() error { return n.announceLoop(ctx) })
	g.Go(func() error { return n.sweepLoop(ctx) })

	if n.role == membership.RoleServer {
		g.Go(func() error {
			if err := n.disc.Run(ctx); err != nil {
				return nil // cancelled during startup
			}
			n.bully.SetReady()
			n.bully.Trigger(ctx, "startup discovery complete")
			return nil
		})
		g.Go(func() error { return n.monitorLoop(ctx) })
		g.Go(func() error { return n.partitionLoop(ctx) })
	}

	err := g.Wait()
	n.tr.Close()
	return err
}

// Close releases the transport; Run also does this on its own way out.
func (n *Node) Close() error { return n.tr.Close() }

// announceLoop is the passive liveness path: periodic SERVER_ALIVE or
// CLIENT_HEARTBEAT, plus the leader heartbeat while this node leads.
func (n *Node) announceLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		n.announce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (n *Node) announce(ctx context.Context) {
	payload, err := wire.MarshalPayload(wire.Announce{
		Addr:     n.tr.LocalAddr(),
		Hostname: n.hostname,
		Boot:     n.boot,
	})
	if err != nil {
		return
	}
	kind := wire.KindServerAlive
	if n.role == membership.RoleClient {
		kind = wire.KindClientHeartbeat
	}
	if err := n.msgr.Broadcast(ctx, kind, payload); err != nil {
		n.log.Debug("announcement failed", zap.Error(err))
	}
	// Our own announcement counts as liveness too, or the sweep would
	// evict us.
	n.view.Touch(n.id)

	if n.bully != nil && n.bully.IsLeader() {
		hb, err := wire.MarshalPayload(wire.HeartbeatInfo{
			Leader: n.id,
			SentAt: time.Now().UnixNano(),
		})
		if err != nil {
			return
		}
		if err := n.msgr.Broadcast(ctx, wire.KindHeartbeat, hb); err != nil {
			n.log.Debug("leader heartbeat failed", zap.Error(err))
		}
	}
}

// sweepLoop evicts participants that exceeded their liveness timeout. The
// membership listener raises the leader-failure signal when the evicted
// participant was the leader.
func (n *Node) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.view.Sweep(time.Now())
		}
	}
}

// monitorLoop raises the leader-failure signal when heartbeats stop.
func (n *Node) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n.bully.IsLeader() {
				continue
			}
			if leader, expired := n.monitor.Expired(time.Now()); expired {
				n.log.Warn("leader heartbeat timeout", zap.Stringer("leader", leader))
				n.monitor.Reset()
				n.bully.ClearLeader()
				n.bully.Trigger(ctx, "leader heartbeat timeout")
			}
		}
	}
}

// partitionLoop runs the active probe cycle and majority reasoning.
func (n *Node) partitionLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		responses := n.prober.Round(ctx)
		reachable := make(map[wire.NodeID]struct{}, len(responses))
		for id := range responses {
			reachable[id] = struct{}{}
		}

		// Non-responders are suspects only; the passive sweep decides
		// eviction, so one lost probe never removes a peer.
		for _, p := range n.view.Servers() {
			if p.ID == n.id {
				continue
			}
			if _, ok := reachable[p.ID]; !ok {
				n.log.Debug("peer did not answer probe", zap.Stringer("peer", p.ID))
			}
		}

		servers, _ := n.view.Counts()
		st := n.partition.Evaluate(time.Now(), servers, reachable)
		if st.GraceActive {
			continue
		}
		if st.EnteredMinority {
			// Elect within the reachable subset; split-brain is accepted
			// until the partition heals.
			n.bully.Trigger(ctx, "entered minority partition")
		}
		if len(st.Healed) > 0 {
			n.reconcile(ctx, responses)
		}
		if st.LeftMinority {
			go n.disc.Rejoin(ctx)
		}
	}
}

// reconcile resolves diverged leaders after a partition heals: the highest
// claimed leader that is demonstrably alive wins, and the lower side
// demotes.
func (n *Node) reconcile(ctx context.Context, responses map[wire.NodeID]wire.NodeID) {
	var best wire.NodeID
	found := false
	for responder, claim := range responses {
		// A claim is trusted only when the claimed leader itself answered
		// the probe, or the claim is the responder's own ID.
		if claim != responder {
			if _, ok := responses[claim]; !ok {
				continue
			}
		}
		if !found || claim > best {
			best, found = claim, true
		}
	}
	if !found {
		return
	}
	if cur, ok := n.bully.Leader(); ok && best <= cur {
		return
	}
	n.log.Info("reconciling leadership after heal", zap.Stringer("claimed", best))
	n.bully.HandleCoordinator(ctx, best)
}
