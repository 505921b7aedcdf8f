package transport

import (
	"sync"
)

const hubQueue = 64

// Hub routes frames between in-process Link transports with multicast
// semantics. Links can be cut pairwise to simulate partitions, which is how
// the protocol tests exercise minority detection and heal reconciliation
// without sockets.
type Hub struct {
	mu    sync.Mutex
	links map[string]*Link
	down  map[[2]string]bool
}

func NewHub() *Hub {
	return &Hub{
		links: make(map[string]*Link),
		down:  make(map[[2]string]bool),
	}
}

// Attach creates a new transport endpoint with the given address.
func (h *Hub) Attach(addr string) *Link {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := &Link{hub: h, addr: addr, recv: make(chan Datagram, hubQueue)}
	h.links[addr] = l
	return l
}

// SetLinkDown cuts or restores delivery between two addresses, both ways.
func (h *Hub) SetLinkDown(a, b string, isDown bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down[[2]string{a, b}] = isDown
	h.down[[2]string{b, a}] = isDown
}

// Partition cuts every link between the two sides.
func (h *Hub) Partition(side1, side2 []string) {
	for _, a := range side1 {
		for _, b := range side2 {
			h.SetLinkDown(a, b, true)
		}
	}
}

// Heal restores every link between the two sides.
func (h *Hub) Heal(side1, side2 []string) {
	for _, a := range side1 {
		for _, b := range side2 {
			h.SetLinkDown(a, b, false)
		}
	}
}

func (h *Hub) broadcast(from string, b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for addr, l := range h.links {
		if addr == from || h.down[[2]string{from, addr}] {
			continue
		}
		l.enqueue(b, from)
	}
}

func (h *Hub) sendTo(from, to string, b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down[[2]string{from, to}] {
		return
	}
	if l, ok := h.links[to]; ok {
		l.enqueue(b, from)
	}
}

func (h *Hub) detach(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.links, addr)
}

// Link is one endpoint on a Hub.
type Link struct {
	hub  *Hub
	addr string

	mu     sync.Mutex
	recv   chan Datagram
	closed bool
}

func (l *Link) enqueue(b []byte, from string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	// Drop on overflow: the transport promises at-most-once, not delivery.
	select {
	case l.recv <- Datagram{Data: append([]byte(nil), b...), From: from}:
	default:
	}
}

func (l *Link) Broadcast(b []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	l.hub.broadcast(l.addr, b)
	return nil
}

func (l *Link) SendTo(addr string, b []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	l.hub.sendTo(l.addr, addr, b)
	return nil
}

func (l *Link) Recv() (Datagram, error) {
	d, ok := <-l.recv
	if !ok {
		return Datagram{}, ErrClosed
	}
	return d, nil
}

func (l *Link) LocalAddr() string { return l.addr }

func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.recv)
	l.mu.Unlock()
	l.hub.detach(l.addr)
	return nil
}
