package transport

import (
	"sync"
	"testing"
	"time"
)

// One long-lived receive pump per link: a timed-out negative check must not
// leave a competing receiver parked on the link that could steal a later frame.
var (
	pumpMu sync.Mutex
	pumps  = map[*Link]chan Datagram{}
)

func pumpFor(l *Link) chan Datagram {
	pumpMu.Lock()
	defer pumpMu.Unlock()
	ch, ok := pumps[l]
	if !ok {
		ch = make(chan Datagram, hubQueue)
		pumps[l] = ch
		go func() {
			for {
				dg, err := l.Recv()
				if err != nil {
					close(ch)
					return
				}
				ch <- dg
			}
		}()
	}
	return ch
}

func recvWithin(t *testing.T, l *Link, d time.Duration) (Datagram, bool) {
	t.Helper()
	select {
	case dg, ok := <-pumpFor(l):
		if !ok {
			return Datagram{}, false
		}
		return dg, true
	case <-time.After(d):
		return Datagram{}, false
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("a")
	b := hub.Attach("b")
	c := hub.Attach("c")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	if err := a.Broadcast([]byte("hello")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for _, l := range []*Link{b, c} {
		dg, ok := recvWithin(t, l, time.Second)
		if !ok {
			t.Fatalf("%s received nothing", l.LocalAddr())
		}
		if string(dg.Data) != "hello" || dg.From != "a" {
			t.Fatalf("%s got %q from %q", l.LocalAddr(), dg.Data, dg.From)
		}
	}
	if _, ok := recvWithin(t, a, 50*time.Millisecond); ok {
		t.Fatalf("sender received its own broadcast")
	}
}

func TestSendToTargetsOneLink(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("a")
	b := hub.Attach("b")
	c := hub.Attach("c")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	if err := a.SendTo("b", []byte("direct")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if dg, ok := recvWithin(t, b, time.Second); !ok || string(dg.Data) != "direct" {
		t.Fatalf("b got %q,%v", dg.Data, ok)
	}
	if _, ok := recvWithin(t, c, 50*time.Millisecond); ok {
		t.Fatalf("unicast leaked to a third link")
	}
}

func TestPartitionAndHeal(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("a")
	b := hub.Attach("b")
	defer a.Close()
	defer b.Close()

	hub.Partition([]string{"a"}, []string{"b"})
	a.Broadcast([]byte("lost"))
	if _, ok := recvWithin(t, b, 50*time.Millisecond); ok {
		t.Fatalf("frame crossed a cut link")
	}

	hub.Heal([]string{"a"}, []string{"b"})
	a.Broadcast([]byte("found"))
	if dg, ok := recvWithin(t, b, time.Second); !ok || string(dg.Data) != "found" {
		t.Fatalf("b got %q,%v after heal", dg.Data, ok)
	}
}

func TestClosedLink(t *testing.T) {
	hub := NewHub()
	a := hub.Attach("a")
	b := hub.Attach("b")
	defer b.Close()

	a.Close()
	if err := a.Broadcast([]byte("x")); err != ErrClosed {
		t.Fatalf("Broadcast on closed = %v, want ErrClosed", err)
	}
	if _, err := a.Recv(); err != ErrClosed {
		t.Fatalf("Recv on closed = %v, want ErrClosed", err)
	}
	// Frames to a detached link vanish instead of wedging the sender.
	if err := b.SendTo("a", []byte("x")); err != nil {
		t.Fatalf("SendTo detached: %v", err)
	}
}
