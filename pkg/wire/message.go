package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/pkg/errors"
)

// NodeID identifies a participant. IDs are derived deterministically from a
// node's address and hostname, so every node agrees on their relative order.
type NodeID uint64

func (id NodeID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseNodeID parses the decimal form produced by NodeID.String.
func ParseNodeID(s string) (NodeID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse node id")
	}
	return NodeID(v), nil
}

// Kind enumerates every protocol message. The set is closed: a frame carrying
// anything else fails to decode.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindElection
	KindOK
	KindCoordinator
	KindHeartbeat
	KindHeartbeatAck
	KindServerAlive
	KindServerProbe
	KindServerResponse
	KindClientHeartbeat
	KindAck
)

var kindNames = map[Kind]string{
	KindElection:        "ELECTION",
	KindOK:              "OK",
	KindCoordinator:     "COORDINATOR",
	KindHeartbeat:       "HEARTBEAT",
	KindHeartbeatAck:    "HEARTBEAT_ACK",
	KindServerAlive:     "SERVER_ALIVE",
	KindServerProbe:     "SERVER_PROBE",
	KindServerResponse:  "SERVER_RESPONSE",
	KindClientHeartbeat: "CLIENT_HEARTBEAT",
	KindAck:             "ACK",
}

var kindValues = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, s := range kindNames {
		m[s] = k
	}
	return m
}()

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseKind maps a wire name to its Kind. Unknown names return KindUnknown
// and false.
func ParseKind(s string) (Kind, bool) {
	k, ok := kindValues[s]
	return k, ok
}

// AckRequired reports whether the receiver of a message of this kind must
// acknowledge it. Only the election messages ride the acknowledged path;
// heartbeats, announcements, and probes are fire-and-forget (probes are
// answered by SERVER_RESPONSE, which is not an acknowledgement).
func AckRequired(k Kind) bool {
	switch k {
	case KindElection, KindOK, KindCoordinator:
		return true
	}
	return false
}

// Message is a single protocol frame. Seq is per-sender monotonically
// increasing; Checksum covers kind, sender, sequence, and payload.
type Message struct {
	Kind     Kind
	Sender   NodeID
	Seq      uint64
	Payload  string
	Checksum string
}

// Sum computes the integrity checksum over the message header and payload.
// The first 16 hex characters of a SHA-256 digest give 64 bits of integrity,
// which is plenty against corruption (forgery is a non-goal).
func Sum(kind Kind, sender NodeID, seq uint64, payload string) string {
	h := sha256.New()
	h.Write([]byte(kind.String()))
	h.Write([]byte{':'})
	h.Write([]byte(sender.String()))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{':'})
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Seal fills in the checksum field from the other fields.
func (m *Message) Seal() {
	m.Checksum = Sum(m.Kind, m.Sender, m.Seq, m.Payload)
}

// Verify recomputes the checksum and compares it to the carried one.
func (m *Message) Verify() bool {
	return m.Checksum == Sum(m.Kind, m.Sender, m.Seq, m.Payload)
}
