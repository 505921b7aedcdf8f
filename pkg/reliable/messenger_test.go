package reliable

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/flock/pkg/transport"
	"github.com/ryandielhenn/flock/pkg/wire"
)

func testConfig() Config {
	return Config{
		RetryAttempts: 3,
		RetryDelay:    50 * time.Millisecond,
		AckTimeout:    50 * time.Millisecond,
	}
}

func startMessenger(t *testing.T, hub *transport.Hub, addr string, id wire.NodeID) *Messenger {
	t.Helper()
	link := hub.Attach(addr)
	m := New(link, wire.TextCodec{}, id, testConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		link.Close()
		<-done
	})
	return m
}

func recvInbound(t *testing.T, m *Messenger) Inbound {
	t.Helper()
	select {
	case inb, ok := <-m.Inbound():
		if !ok {
			t.Fatalf("inbound channel closed")
		}
		return inb
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound message")
	}
	return Inbound{}
}

func TestBroadcastFireAndForget(t *testing.T) {
	hub := transport.NewHub()
	a := startMessenger(t, hub, "a", 1)
	b := startMessenger(t, hub, "b", 2)

	if err := a.Broadcast(context.Background(), wire.KindServerAlive, `{"addr":"a"}`); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	inb := recvInbound(t, b)
	if inb.Msg.Kind != wire.KindServerAlive || inb.Msg.Sender != 1 {
		t.Fatalf("got %s from %s, want SERVER_ALIVE from 1", inb.Msg.Kind, inb.Msg.Sender)
	}
}

func TestAcknowledgedDelivery(t *testing.T) {
	hub := transport.NewHub()
	a := startMessenger(t, hub, "a", 1)
	b := startMessenger(t, hub, "b", 2)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Send(context.Background(), wire.KindElection, "", "b")
	}()

	inb := recvInbound(t, b)
	if inb.Msg.Kind != wire.KindElection {
		t.Fatalf("kind = %s, want ELECTION", inb.Msg.Kind)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Send did not return after ack")
	}
	if c := a.Counters(); c.Failures != 0 {
		t.Fatalf("Failures = %d, want 0", c.Failures)
	}
}

func TestDeliveryFailureAfterRetries(t *testing.T) {
	hub := transport.NewHub()
	a := startMessenger(t, hub, "a", 1)
	// "b" exists but nothing drains or acks it.
	hub.Attach("b")

	start := time.Now()
	err := a.Send(context.Background(), wire.KindCoordinator, "", "b")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Send = %v, want ErrDeliveryFailed", err)
	}
	// 3 attempts with a 50ms ack window each.
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("failed after %v, want at least two retry windows", elapsed)
	}
	c := a.Counters()
	if c.Failures != 1 {
		t.Fatalf("Failures = %d, want 1", c.Failures)
	}
	if c.Retries != 2 {
		t.Fatalf("Retries = %d, want 2", c.Retries)
	}
}

func TestRetrySucceedsAfterHeal(t *testing.T) {
	hub := transport.NewHub()
	a := startMessenger(t, hub, "a", 1)
	b := startMessenger(t, hub, "b", 2)

	hub.SetLinkDown("a", "b", true)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Send(context.Background(), wire.KindElection, "", "b")
	}()

	// Let the first attempt fail, then heal before retries run out.
	time.Sleep(60 * time.Millisecond)
	hub.SetLinkDown("a", "b", false)
	hub.SetLinkDown("b", "a", false)

	inb := recvInbound(t, b)
	if inb.Msg.Kind != wire.KindElection {
		t.Fatalf("kind = %s, want ELECTION", inb.Msg.Kind)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Send did not return")
	}
	if c := a.Counters(); c.Retries == 0 {
		t.Fatalf("Retries = 0, want at least 1")
	}
}

func TestDuplicateSuppressionAndReAck(t *testing.T) {
	hub := transport.NewHub()
	b := startMessenger(t, hub, "b", 2)
	raw := hub.Attach("x")
	defer raw.Close()

	frame := func() []byte {
		m := &wire.Message{Kind: wire.KindElection, Sender: 7, Seq: 5}
		m.Seal()
		bts, err := wire.TextCodec{}.Encode(m)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		return bts
	}()

	if err := raw.SendTo("b", frame); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	inb := recvInbound(t, b)
	if inb.Msg.Seq != 5 {
		t.Fatalf("Seq = %d, want 5", inb.Msg.Seq)
	}

	// The duplicate must be dropped but still acked, so a sender whose
	// first ack was lost can make progress.
	if err := raw.SendTo("b", frame); err != nil {
		t.Fatalf("SendTo dup: %v", err)
	}

	acks := 0
	for acks < 2 {
		d, err := raw.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		m, err := wire.TextCodec{}.Decode(d.Data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if m.Kind != wire.KindAck {
			continue
		}
		seq, err := wire.ParseAckPayload(m.Payload)
		if err != nil {
			t.Fatalf("ParseAckPayload: %v", err)
		}
		if seq != 5 {
			t.Fatalf("acked seq = %d, want 5", seq)
		}
		acks++
	}

	// Only the first copy reached the dispatch stream.
	select {
	case extra := <-b.Inbound():
		t.Fatalf("duplicate delivered: %+v", extra.Msg)
	case <-time.After(100 * time.Millisecond):
	}
	if c := b.Counters(); c.Duplicates != 1 {
		t.Fatalf("Duplicates = %d, want 1", c.Duplicates)
	}
}

func TestCorruptFramesDropped(t *testing.T) {
	hub := transport.NewHub()
	b := startMessenger(t, hub, "b", 2)
	raw := hub.Attach("x")
	defer raw.Close()

	if err := raw.SendTo("b", []byte("KIND:NOT:A:FRAME")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	m := &wire.Message{Kind: wire.KindHeartbeat, Sender: 7, Seq: 1, Payload: "p"}
	m.Seal()
	m.Checksum = "0000000000000000"
	bad, err := wire.TextCodec{}.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := raw.SendTo("b", bad); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case inb := <-b.Inbound():
		t.Fatalf("corrupt frame delivered: %+v", inb.Msg)
	case <-time.After(100 * time.Millisecond):
	}
	if c := b.Counters(); c.Corrupt != 2 {
		t.Fatalf("Corrupt = %d, want 2", c.Corrupt)
	}
}

// faultyTransport injects a burst of receive errors in front of a real
// transport.
type faultyTransport struct {
	transport.Transport
	mu    sync.Mutex
	fails int
}

func (f *faultyTransport) Recv() (transport.Datagram, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return transport.Datagram{}, errors.New("transient recv fault")
	}
	f.mu.Unlock()
	return f.Transport.Recv()
}

func TestRunSurvivesTransientRecvErrors(t *testing.T) {
	hub := transport.NewHub()
	link := hub.Attach("b")
	ft := &faultyTransport{Transport: link, fails: 3}
	m := New(ft, wire.TextCodec{}, 2, testConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		link.Close()
		<-done
	})

	raw := hub.Attach("x")
	defer raw.Close()
	msg := &wire.Message{Kind: wire.KindHeartbeat, Sender: 7, Seq: 1, Payload: "p"}
	msg.Seal()
	frame, err := wire.TextCodec{}.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := raw.SendTo("b", frame); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	// The receive loop burned through the error burst and still delivers.
	inb := recvInbound(t, m)
	if inb.Msg.Sender != 7 || inb.Msg.Seq != 1 {
		t.Fatalf("got %+v, want sender 7 seq 1", inb.Msg)
	}
}

func TestSeqMonotonic(t *testing.T) {
	var s Seq
	if got := s.Increment(); got != 1 {
		t.Fatalf("first Increment = %d, want 1", got)
	}
	if got := s.Increment(); got != 2 {
		t.Fatalf("second Increment = %d, want 2", got)
	}
	s.Witness(10)
	if got := s.Get(); got != 10 {
		t.Fatalf("after Witness(10) Get = %d, want 10", got)
	}
	s.Witness(4)
	if got := s.Get(); got != 10 {
		t.Fatalf("Witness went backwards: Get = %d, want 10", got)
	}
}
