package detector

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/flock/internal/telemetry"
	"github.com/ryandielhenn/flock/pkg/wire"
)

// PartitionStatus is the outcome of one partition-detection cycle.
type PartitionStatus struct {
	// GraceActive is true while the startup grace period suppresses
	// detection entirely.
	GraceActive bool
	// Reachable is the number of peers that answered this cycle.
	Reachable int
	// KnownServers counts the servers in view, local node included.
	KnownServers int
	// InMinority is true while this node believes it is cut off from the
	// majority of known servers.
	InMinority bool
	// EnteredMinority / LeftMinority flag the transition edges.
	EnteredMinority bool
	LeftMinority    bool
	// Healed lists peers that were unreachable last cycle and answered
	// this one; a non-empty set starts leader reconciliation.
	Healed []wire.NodeID
}

// Partition applies majority reasoning to probe results. During the
// startup grace period no partition signal is ever raised; the view is
// still forming and a lone slow peer must not look like a netsplit.
type Partition struct {
	graceUntil time.Time
	log        *zap.Logger

	mu            sync.Mutex
	inMinority    bool
	lastReachable map[wire.NodeID]struct{}
	sawCycle      bool
}

func NewPartition(grace time.Duration, log *zap.Logger) *Partition {
	return &Partition{graceUntil: time.Now().Add(grace), log: log}
}

// InMinority reports the current minority belief.
func (p *Partition) InMinority() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inMinority
}

// Evaluate folds one probe round into the partition state. knownServers
// counts every server in the group view including the local node;
// reachable holds the peers that answered the probe.
func (p *Partition) Evaluate(now time.Time, knownServers int, reachable map[wire.NodeID]struct{}) PartitionStatus {
	st := PartitionStatus{Reachable: len(reachable), KnownServers: knownServers}

	if now.Before(p.graceUntil) {
		st.GraceActive = true
		return st
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A node that knows only itself is trivially connected.
	minority := knownServers > 1 && len(reachable)+1 < knownServers/2

	if p.sawCycle {
		for id := range reachable {
			if _, ok := p.lastReachable[id]; !ok {
				st.Healed = append(st.Healed, id)
			}
		}
	}
	p.lastReachable = reachable
	p.sawCycle = true

	st.EnteredMinority = minority && !p.inMinority
	st.LeftMinority = !minority && p.inMinority
	p.inMinority = minority
	st.InMinority = minority

	if st.EnteredMinority {
		telemetry.PartitionsDetected.Inc()
		p.log.Warn("minority partition detected",
			zap.Int("reachable", st.Reachable),
			zap.Int("known_servers", knownServers))
	}
	if st.LeftMinority {
		p.log.Info("partition healed",
			zap.Int("reachable", st.Reachable),
			zap.Int("known_servers", knownServers))
	}
	return st
}
