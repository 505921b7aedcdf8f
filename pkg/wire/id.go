package wire

import (
	"github.com/cespare/xxhash/v2"
)

// idSpace keeps derived IDs short enough to read in logs while leaving
// collisions unlikely for the cluster sizes this protocol targets.
const idSpace = 10000

// DeriveID produces the stable identifier for a node from its address and
// hostname. Every participant computes the same ID for the same node, which
// is what makes the bully ordering total across the group.
func DeriveID(addr, hostname string) NodeID {
	h := xxhash.New()
	h.WriteString(addr)
	h.WriteString(":")
	h.WriteString(hostname)
	return NodeID(h.Sum64() % idSpace)
}
