// Package transport abstracts datagram delivery for the protocol stack. The
// production implementation is UDP multicast; tests run the same stack over
// an in-process Hub with controllable link failures.
//
// Delivery is unordered, unreliable, and at-most-once per send. Everything
// stronger is layered on top by pkg/reliable.
package transport

import "github.com/pkg/errors"

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Datagram is one received frame together with the sender's address, which
// is where unicast replies (acks, probe responses) are sent.
type Datagram struct {
	Data []byte
	From string
}

// Transport sends and receives datagrams on the group.
type Transport interface {
	// Broadcast delivers the frame to every reachable group member.
	Broadcast(b []byte) error

	// SendTo delivers the frame to a single peer address.
	SendTo(addr string, b []byte) error

	// Recv blocks until the next frame arrives or the transport closes.
	Recv() (Datagram, error)

	// LocalAddr is the address peers can reply to.
	LocalAddr() string

	Close() error
}
