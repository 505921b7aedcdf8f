// Package reliable wraps the raw transport with the delivery guarantees the
// protocol needs: per-sender sequence numbers, integrity checking,
// duplicate suppression, and acknowledged delivery with bounded retries.
package reliable

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/flock/internal/telemetry"
	"github.com/ryandielhenn/flock/pkg/transport"
	"github.com/ryandielhenn/flock/pkg/wire"
)

// ErrDeliveryFailed reports that every send attempt went unacknowledged.
// Callers degrade (the peer is probably gone); they never treat this as
// fatal.
var ErrDeliveryFailed = errors.New("reliable: delivery failed")

const inboundQueue = 128

// Config holds the retry policy for acknowledged sends.
type Config struct {
	// RetryAttempts is the total number of transmissions per message.
	RetryAttempts int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
	// AckTimeout bounds the wait for an acknowledgement after each attempt.
	AckTimeout time.Duration
}

// DeliveryRecord tracks what we have accepted from one remote sender.
type DeliveryRecord struct {
	LastSeen uint64
}

// Inbound is a validated, deduplicated message handed to the dispatch loop.
type Inbound struct {
	Msg  *wire.Message
	From string
}

// Counters are the fault statistics kept alongside the prometheus metrics so
// the status surface can report them without scraping.
type Counters struct {
	Corrupt    uint64
	Duplicates uint64
	Retries    uint64
	Failures   uint64
}

type pendingAck struct {
	sentAt   time.Time
	attempts int
	done     chan struct{}
}

// Messenger is the reliable messaging layer. One instance per process; it
// owns every DeliveryRecord and is the only place frames are decoded.
type Messenger struct {
	tr    transport.Transport
	codec wire.Codec
	self  wire.NodeID
	cfg   Config
	log   *zap.Logger

	seq Seq

	mu      sync.Mutex
	records map[wire.NodeID]*DeliveryRecord
	pending map[uint64]*pendingAck

	inbound chan Inbound

	corrupt    atomic.Uint64
	duplicates atomic.Uint64
	retries    atomic.Uint64
	failures   atomic.Uint64
}

func New(tr transport.Transport, codec wire.Codec, self wire.NodeID, cfg Config, log *zap.Logger) *Messenger {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = cfg.RetryDelay
	}
	return &Messenger{
		tr:      tr,
		codec:   codec,
		self:    self,
		cfg:     cfg,
		log:     log,
		records: make(map[wire.NodeID]*DeliveryRecord),
		pending: make(map[uint64]*pendingAck),
		inbound: make(chan Inbound, inboundQueue),
	}
}

// Inbound is the stream of validated messages. It is closed when Run
// returns.
func (m *Messenger) Inbound() <-chan Inbound { return m.inbound }

// Self returns the local sender ID stamped on outgoing messages.
func (m *Messenger) Self() wire.NodeID { return m.self }

// Counters snapshots the fault statistics.
func (m *Messenger) Counters() Counters {
	return Counters{
		Corrupt:    m.corrupt.Load(),
		Duplicates: m.duplicates.Load(),
		Retries:    m.retries.Load(),
		Failures:   m.failures.Load(),
	}
}

// Broadcast sends to the whole group; dest "" in Send does the same. Kinds
// that require acknowledgement block until one ack arrives or retries are
// exhausted, in which case ErrDeliveryFailed is returned. All other kinds
// are fire-and-forget.
func (m *Messenger) Broadcast(ctx context.Context, kind wire.Kind, payload string) error {
	return m.Send(ctx, kind, payload, "")
}

// Send transmits one message to dest, or to the group when dest is empty.
func (m *Messenger) Send(ctx context.Context, kind wire.Kind, payload string, dest string) error {
	msg := &wire.Message{
		Kind:    kind,
		Sender:  m.self,
		Seq:     m.seq.Increment(),
		Payload: payload,
	}
	msg.Seal()
	b, err := m.codec.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "encode")
	}

	transmit := func() error {
		if dest == "" {
			return m.tr.Broadcast(b)
		}
		return m.tr.SendTo(dest, b)
	}

	if !wire.AckRequired(kind) {
		return transmit()
	}

	p := &pendingAck{done: make(chan struct{})}
	m.mu.Lock()
	m.pending[msg.Seq] = p
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, msg.Seq)
		m.mu.Unlock()
	}()

	attempt := func() error {
		m.mu.Lock()
		p.attempts++
		p.sentAt = time.Now()
		attempts := p.attempts
		m.mu.Unlock()

		if attempts > 1 {
			m.retries.Add(1)
			telemetry.Retransmits.Inc()
			m.log.Debug("retransmit",
				zap.Stringer("kind", kind),
				zap.Uint64("seq", msg.Seq),
				zap.Int("attempt", attempts))
		}
		if err := transmit(); err != nil {
			return err
		}

		timer := time.NewTimer(m.cfg.AckTimeout)
		defer timer.Stop()
		select {
		case <-p.done:
			return nil
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-timer.C:
			return errors.New("no ack")
		}
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(m.cfg.RetryDelay),
			uint64(m.cfg.RetryAttempts-1),
		), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		m.failures.Add(1)
		telemetry.DeliveryFailures.Inc()
		return errors.Wrapf(ErrDeliveryFailed, "%s seq %d: %v", kind, msg.Seq, err)
	}
	return nil
}

// Run reads the transport until it closes or ctx is cancelled. It is the
// only decode path: corruption and duplicates die here, acknowledged kinds
// are acked here, and everything else flows out on Inbound.
func (m *Messenger) Run(ctx context.Context) error {
	defer close(m.inbound)
	for {
		d, err := m.tr.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			// Transient receive faults degrade, never stop the node.
			m.log.Warn("transport receive failed", zap.Error(err))
			continue
		}

		msg, err := m.codec.Decode(d.Data)
		if err != nil {
			// Corruption and malformed structure are the same fault:
			// count it, drop it, change no state.
			m.corrupt.Add(1)
			telemetry.CorruptMessages.Inc()
			m.log.Debug("dropped corrupt frame", zap.String("from", d.From), zap.Error(err))
			continue
		}
		if msg.Sender == m.self {
			// Multicast loopback delivers our own frames back to us.
			continue
		}

		if !m.accept(msg, d.From) {
			continue
		}

		if msg.Kind == wire.KindAck {
			m.handleAck(msg)
			continue
		}
		if wire.AckRequired(msg.Kind) {
			m.sendAck(msg, d.From)
		}

		select {
		case m.inbound <- Inbound{Msg: msg, From: d.From}:
		case <-ctx.Done():
			return nil
		}
	}
}

// accept applies per-sender duplicate suppression. Duplicates of
// acknowledged kinds are re-acked so a lost ack does not wedge the sender.
func (m *Messenger) accept(msg *wire.Message, from string) bool {
	m.mu.Lock()
	rec, ok := m.records[msg.Sender]
	if !ok {
		rec = &DeliveryRecord{}
		m.records[msg.Sender] = rec
	}
	dup := msg.Seq <= rec.LastSeen
	if !dup {
		rec.LastSeen = msg.Seq
	}
	m.mu.Unlock()

	if dup {
		m.duplicates.Add(1)
		telemetry.DuplicateMessages.Inc()
		if wire.AckRequired(msg.Kind) {
			m.sendAck(msg, from)
		}
		return false
	}
	return true
}

func (m *Messenger) handleAck(msg *wire.Message) {
	seq, err := wire.ParseAckPayload(msg.Payload)
	if err != nil {
		m.corrupt.Add(1)
		telemetry.CorruptMessages.Inc()
		return
	}
	m.mu.Lock()
	p, ok := m.pending[seq]
	if ok {
		delete(m.pending, seq)
	}
	m.mu.Unlock()
	if ok {
		close(p.done)
	}
}

func (m *Messenger) sendAck(msg *wire.Message, to string) {
	ack := &wire.Message{
		Kind:    wire.KindAck,
		Sender:  m.self,
		Seq:     m.seq.Increment(),
		Payload: wire.AckPayload(msg.Seq),
	}
	ack.Seal()
	b, err := m.codec.Encode(ack)
	if err != nil {
		return
	}
	if err := m.tr.SendTo(to, b); err != nil {
		m.log.Debug("ack send failed", zap.String("to", to), zap.Error(err))
	}
}
