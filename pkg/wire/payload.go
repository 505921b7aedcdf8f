package wire

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// Announce is the payload of SERVER_ALIVE and CLIENT_HEARTBEAT frames. Boot
// changes on every process restart, letting receivers tell a rejoin apart
// from an ordinary liveness refresh.
type Announce struct {
	Addr     string `json:"addr"`
	Hostname string `json:"hostname"`
	Boot     string `json:"boot"`
}

// ProbeResponse is the payload of SERVER_RESPONSE frames. Leader carries the
// responder's current view of the coordinator, used during partition-heal
// reconciliation.
type ProbeResponse struct {
	Addr      string `json:"addr"`
	Hostname  string `json:"hostname"`
	Boot      string `json:"boot"`
	Leader    NodeID `json:"leader"`
	HasLeader bool   `json:"has_leader"`
}

// HeartbeatInfo is the payload of HEARTBEAT and HEARTBEAT_ACK frames. SentAt
// is echoed back by the ack so the leader can account round-trip times.
type HeartbeatInfo struct {
	Leader NodeID `json:"leader"`
	SentAt int64  `json:"sent_at"`
}

// MarshalPayload renders a payload struct for embedding in a frame.
func MarshalPayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "marshal payload")
	}
	return string(b), nil
}

// UnmarshalPayload parses a frame payload into the given struct.
func UnmarshalPayload(payload string, v any) error {
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return errors.Wrap(err, "unmarshal payload")
	}
	return nil
}

// AckPayload renders the payload of an ACK frame: the decimal sequence
// number being acknowledged.
func AckPayload(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

// ParseAckPayload recovers the acknowledged sequence number.
func ParseAckPayload(payload string) (uint64, error) {
	v, err := strconv.ParseUint(payload, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse ack payload")
	}
	return v, nil
}
