package transport

import (
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

const maxDatagram = 64 << 10

// UDP implements Transport over an IPv4 multicast group. The receive socket
// joins the group on all interfaces; a separate sender socket carries both
// broadcasts and unicast replies so its source address is stable.
type UDP struct {
	group  *net.UDPAddr
	recv   *net.UDPConn
	send   *net.UDPConn
	closed atomic.Bool
}

// NewUDP joins the given multicast group, e.g. "224.1.1.1:5008". TTL bounds
// how many hops a frame survives.
func NewUDP(group string, ttl int) (*UDP, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve group %q", group)
	}
	if !gaddr.IP.IsMulticast() {
		return nil, errors.Errorf("group %q is not a multicast address", group)
	}

	recv, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return nil, errors.Wrap(err, "join multicast group")
	}

	send, err := net.ListenUDP("udp4", nil)
	if err != nil {
		recv.Close()
		return nil, errors.Wrap(err, "open sender socket")
	}

	p := ipv4.NewPacketConn(send)
	if err := p.SetMulticastTTL(ttl); err != nil {
		recv.Close()
		send.Close()
		return nil, errors.Wrap(err, "set multicast ttl")
	}
	// The local stack delivers our own broadcasts back to us; the dispatch
	// loop drops frames carrying our own sender ID.
	_ = p.SetMulticastLoopback(true)

	return &UDP{group: gaddr, recv: recv, send: send}, nil
}

func (u *UDP) Broadcast(b []byte) error {
	if u.closed.Load() {
		return ErrClosed
	}
	_, err := u.send.WriteToUDP(b, u.group)
	return errors.Wrap(err, "multicast send")
}

func (u *UDP) SendTo(addr string, b []byte) error {
	if u.closed.Load() {
		return ErrClosed
	}
	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %q", addr)
	}
	_, err = u.send.WriteToUDP(b, dst)
	return errors.Wrap(err, "unicast send")
}

func (u *UDP) Recv() (Datagram, error) {
	buf := make([]byte, maxDatagram)
	n, src, err := u.recv.ReadFromUDP(buf)
	if err != nil {
		if u.closed.Load() {
			return Datagram{}, ErrClosed
		}
		return Datagram{}, errors.Wrap(err, "recv")
	}
	return Datagram{Data: buf[:n], From: src.String()}, nil
}

func (u *UDP) LocalAddr() string {
	return u.send.LocalAddr().String()
}

func (u *UDP) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	u.recv.Close()
	return u.send.Close()
}
