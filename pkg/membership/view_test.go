package membership

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/flock/pkg/wire"
)

func newTestView() *View {
	return New(30*time.Second, 60*time.Second, zap.NewNop())
}

func TestObserveJoinAndRefresh(t *testing.T) {
	v := newTestView()

	var events []Event
	v.OnEvent(func(ev Event) { events = append(events, ev) })

	p := Participant{ID: 1, Role: RoleServer, Addr: "10.0.0.1:5008", Boot: "boot-1"}
	if !v.Observe(p) {
		t.Fatalf("first Observe = false, want true (join)")
	}
	if v.Observe(p) {
		t.Fatalf("second Observe = true, want false (refresh)")
	}
	if len(events) != 1 || events[0].Type != EventJoin {
		t.Fatalf("events = %+v, want one join", events)
	}

	servers, clients := v.Counts()
	if servers != 1 || clients != 0 {
		t.Fatalf("Counts = %d,%d want 1,0", servers, clients)
	}
}

func TestObserveRestartRaisesFreshJoin(t *testing.T) {
	v := newTestView()

	var events []Event
	v.OnEvent(func(ev Event) { events = append(events, ev) })

	v.Observe(Participant{ID: 1, Role: RoleServer, Boot: "boot-1"})
	// Same ID, new boot token: the process restarted.
	if !v.Observe(Participant{ID: 1, Role: RoleServer, Boot: "boot-2"}) {
		t.Fatalf("restarted Observe = false, want true")
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 joins", len(events))
	}
	got, ok := v.Get(1)
	if !ok || got.Boot != "boot-2" {
		t.Fatalf("Get(1) = %+v,%v want boot-2", got, ok)
	}
	if servers, _ := v.Counts(); servers != 1 {
		t.Fatalf("servers = %d, want 1", servers)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	v := newTestView()

	var timeouts []Participant
	v.OnEvent(func(ev Event) {
		if ev.Type == EventTimeout {
			timeouts = append(timeouts, ev.Participant)
		}
	})

	base := time.Now()
	v.now = func() time.Time { return base }
	v.Observe(Participant{ID: 1, Role: RoleServer, Boot: "a"})
	v.Observe(Participant{ID: 2, Role: RoleClient, Boot: "b"})

	// 31s: the server timeout (30s) has passed, the client one (60s) has not.
	removed := v.Sweep(base.Add(31 * time.Second))
	if len(removed) != 1 || removed[0].ID != 1 {
		t.Fatalf("removed = %+v, want server 1 only", removed)
	}
	if len(timeouts) != 1 || timeouts[0].ID != 1 {
		t.Fatalf("timeout events = %+v, want server 1 only", timeouts)
	}
	if _, ok := v.Get(2); !ok {
		t.Fatalf("client 2 evicted before its timeout")
	}

	removed = v.Sweep(base.Add(61 * time.Second))
	if len(removed) != 1 || removed[0].ID != 2 {
		t.Fatalf("removed = %+v, want client 2", removed)
	}
}

func TestTouchDefersSweep(t *testing.T) {
	v := newTestView()
	base := time.Now()
	v.now = func() time.Time { return base }
	v.Observe(Participant{ID: 1, Role: RoleServer, Boot: "a"})

	v.now = func() time.Time { return base.Add(25 * time.Second) }
	v.Touch(1)

	if removed := v.Sweep(base.Add(40 * time.Second)); len(removed) != 0 {
		t.Fatalf("removed = %+v, want none after Touch", removed)
	}
	if removed := v.Sweep(base.Add(56 * time.Second)); len(removed) != 1 {
		t.Fatalf("removed = %+v, want the touched server", removed)
	}
}

func TestRemoveRaisesLeave(t *testing.T) {
	v := newTestView()
	var events []Event
	v.OnEvent(func(ev Event) { events = append(events, ev) })

	v.Observe(Participant{ID: 1, Role: RoleServer, Boot: "a"})
	gone, ok := v.Remove(1)
	if !ok || gone.ID != 1 {
		t.Fatalf("Remove = %+v,%v", gone, ok)
	}
	if _, ok := v.Remove(1); ok {
		t.Fatalf("second Remove = true, want false")
	}
	if len(events) != 2 || events[1].Type != EventLeave {
		t.Fatalf("events = %+v, want join then leave", events)
	}
}

func TestSnapshotSortedAndIsolated(t *testing.T) {
	v := newTestView()
	v.Observe(Participant{ID: 30, Role: RoleServer, Boot: "c"})
	v.Observe(Participant{ID: 10, Role: RoleServer, Boot: "a"})
	v.Observe(Participant{ID: 20, Role: RoleClient, Boot: "b"})

	snap := v.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].ID >= snap[i].ID {
			t.Fatalf("snapshot not sorted: %v", snap)
		}
	}

	// Mutating the snapshot must not touch the view.
	snap[0].Hostname = "mutated"
	if got, _ := v.Get(10); got.Hostname == "mutated" {
		t.Fatalf("snapshot aliases the live table")
	}

	if servers := v.Servers(); len(servers) != 2 {
		t.Fatalf("Servers = %d, want 2", len(servers))
	}
	if clients := v.Clients(); len(clients) != 1 {
		t.Fatalf("Clients = %d, want 1", len(clients))
	}
}

func TestConcurrentObserveAndSnapshot(t *testing.T) {
	v := newTestView()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v.Observe(Participant{ID: wire.NodeID(1 + n%4), Role: RoleServer, Boot: "a"})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				for range v.Snapshot() {
				}
				v.Sweep(time.Now())
			}
		}()
	}
	wg.Wait()
	if servers, _ := v.Counts(); servers == 0 {
		t.Fatalf("all servers lost during concurrent churn")
	}
}
