package detector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/flock/pkg/wire"
)

// Sender is the slice of the reliable messaging layer the prober needs.
type Sender interface {
	Broadcast(ctx context.Context, kind wire.Kind, payload string) error
}

// Prober runs active reachability rounds: one SERVER_PROBE broadcast, then
// a bounded wait for SERVER_RESPONSE frames. Non-responders are suspects,
// never evicted here; only the passive sweep removes members.
type Prober struct {
	send    Sender
	timeout time.Duration
	log     *zap.Logger

	mu        sync.Mutex
	open      bool
	responses map[wire.NodeID]wire.NodeID // responder -> claimed leader
}

func NewProber(send Sender, timeout time.Duration, log *zap.Logger) *Prober {
	return &Prober{send: send, timeout: timeout, log: log}
}

// Deliver records a SERVER_RESPONSE. Called from the dispatch loop;
// responses outside a round still count as liveness upstream but are
// dropped here.
func (p *Prober) Deliver(from wire.NodeID, claimedLeader wire.NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return
	}
	p.responses[from] = claimedLeader
}

// Round broadcasts one probe and collects responders until the probe
// timeout elapses. The returned map carries each responder's claimed
// leader, which partition-heal reconciliation needs.
func (p *Prober) Round(ctx context.Context) map[wire.NodeID]wire.NodeID {
	p.mu.Lock()
	p.open = true
	p.responses = make(map[wire.NodeID]wire.NodeID)
	p.mu.Unlock()

	if err := p.send.Broadcast(ctx, wire.KindServerProbe, ""); err != nil {
		p.log.Debug("probe broadcast failed", zap.Error(err))
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
	out := p.responses
	p.responses = nil
	return out
}
