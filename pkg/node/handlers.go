package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/flock/pkg/membership"
	"github.com/ryandielhenn/flock/pkg/reliable"
	"github.com/ryandielhenn/flock/pkg/wire"
)

// dispatch is the single receive loop: it drains the messenger's verified,
// deduplicated inbound stream and routes each message to its subsystem.
// Handlers that can block on acknowledged sends run in their own
// goroutine so the loop never stalls behind a retry window.
func (n *Node) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case inb, ok := <-n.msgr.Inbound():
			if !ok {
				return nil
			}
			n.handle(ctx, inb)
		}
	}
}

func (n *Node) handle(ctx context.Context, inb reliable.Inbound) {
	msg := inb.Msg
	switch msg.Kind {
	case wire.KindServerAlive:
		n.observeAnnounce(msg, membership.RoleServer, inb.From)

	case wire.KindClientHeartbeat:
		n.observeAnnounce(msg, membership.RoleClient, inb.From)

	case wire.KindServerProbe:
		n.view.Touch(msg.Sender)
		if n.role == membership.RoleServer {
			go n.answerProbe(ctx, inb.From)
		}

	case wire.KindServerResponse:
		n.handleProbeResponse(msg, inb.From)

	case wire.KindHeartbeat:
		n.handleHeartbeat(ctx, msg, inb.From)

	case wire.KindHeartbeatAck:
		n.handleHeartbeatAck(msg)

	case wire.KindElection:
		if n.bully == nil {
			return
		}
		n.view.Touch(msg.Sender)
		from, fromAddr := msg.Sender, inb.From
		go n.bully.HandleElection(ctx, from, fromAddr)

	case wire.KindOK:
		if n.bully == nil {
			return
		}
		target, err := wire.ParseNodeID(msg.Payload)
		if err != nil {
			n.log.Debug("unparseable OK target", zap.String("payload", msg.Payload))
			return
		}
		n.bully.HandleOK(msg.Sender, target)

	case wire.KindCoordinator:
		n.view.Touch(msg.Sender)
		if n.bully != nil {
			from := msg.Sender
			go n.bully.HandleCoordinator(ctx, from)
			return
		}
		// Clients track the announced leader without participating.
		n.monitor.Observe(msg.Sender, time.Now())

	default:
		n.log.Debug("unhandled message kind", zap.Stringer("kind", msg.Kind))
	}
}

// observeAnnounce folds a liveness announcement into the group view. A
// missing or malformed payload still counts as liveness for an already
// known sender.
func (n *Node) observeAnnounce(msg *wire.Message, role membership.Role, from string) {
	var ann wire.Announce
	if err := wire.UnmarshalPayload(msg.Payload, &ann); err != nil {
		n.log.Debug("malformed announcement payload",
			zap.Stringer("sender", msg.Sender), zap.Error(err))
		n.view.Touch(msg.Sender)
		return
	}
	addr := ann.Addr
	if addr == "" {
		addr = from
	}
	n.view.Observe(membership.Participant{
		ID:       msg.Sender,
		Role:     role,
		Addr:     addr,
		Hostname: ann.Hostname,
		Boot:     ann.Boot,
	})
}

// answerProbe replies SERVER_RESPONSE directly to the prober with our
// identity and leader claim.
func (n *Node) answerProbe(ctx context.Context, to string) {
	resp := wire.ProbeResponse{
		Addr:     n.tr.LocalAddr(),
		Hostname: n.hostname,
		Boot:     n.boot,
	}
	if leader, ok := n.bully.Leader(); ok {
		resp.Leader = leader
		resp.HasLeader = true
	}
	payload, err := wire.MarshalPayload(resp)
	if err != nil {
		return
	}
	if err := n.msgr.Send(ctx, wire.KindServerResponse, payload, to); err != nil {
		n.log.Debug("probe response failed", zap.String("to", to), zap.Error(err))
	}
}

func (n *Node) handleProbeResponse(msg *wire.Message, from string) {
	var resp wire.ProbeResponse
	if err := wire.UnmarshalPayload(msg.Payload, &resp); err != nil {
		n.log.Debug("malformed probe response",
			zap.Stringer("sender", msg.Sender), zap.Error(err))
		return
	}
	addr := resp.Addr
	if addr == "" {
		addr = from
	}
	n.view.Observe(membership.Participant{
		ID:       msg.Sender,
		Role:     membership.RoleServer,
		Addr:     addr,
		Hostname: resp.Hostname,
		Boot:     resp.Boot,
	})
	if n.prober == nil {
		return
	}
	claim := msg.Sender
	if resp.HasLeader {
		claim = resp.Leader
	}
	n.prober.Deliver(msg.Sender, claim)
}

// handleHeartbeat feeds the leader failure detector and, on servers,
// returns HEARTBEAT_ACK so the leader can measure the round trip.
func (n *Node) handleHeartbeat(ctx context.Context, msg *wire.Message, from string) {
	var hb wire.HeartbeatInfo
	if err := wire.UnmarshalPayload(msg.Payload, &hb); err != nil {
		n.log.Debug("malformed heartbeat payload",
			zap.Stringer("sender", msg.Sender), zap.Error(err))
		return
	}
	n.monitor.Observe(hb.Leader, time.Now())
	n.view.Touch(msg.Sender)

	if n.role != membership.RoleServer {
		return
	}
	go func() {
		payload, err := wire.MarshalPayload(hb)
		if err != nil {
			return
		}
		if err := n.msgr.Send(ctx, wire.KindHeartbeatAck, payload, from); err != nil {
			n.log.Debug("heartbeat ack failed", zap.String("to", from), zap.Error(err))
		}
	}()
}

// handleHeartbeatAck closes the leader's round-trip measurement.
func (n *Node) handleHeartbeatAck(msg *wire.Message) {
	if n.bully == nil || !n.bully.IsLeader() {
		return
	}
	var hb wire.HeartbeatInfo
	if err := wire.UnmarshalPayload(msg.Payload, &hb); err != nil {
		return
	}
	rtt := time.Since(time.Unix(0, hb.SentAt))
	if rtt <= 0 {
		return
	}
	n.monitor.AckRTT.Observe(rtt)
	n.view.Touch(msg.Sender)
}
