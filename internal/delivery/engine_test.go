package delivery

import (
	"testing"
	"time"

	"github.com/agent-relay/relay/internal/router"
	"github.com/agent-relay/relay/internal/store"
	"github.com/agent-relay/relay/pkg/protocol"
)

type recordingDeliverer struct {
	name string
	ch   chan protocol.Envelope
}

func (r *recordingDeliverer) Enqueue(env protocol.Envelope) error {
	r.ch <- env
	return nil
}

func (r *recordingDeliverer) RemoteName() string { return r.name }

func testEngine(cfg Config) (*Engine, *router.Router, *store.Store) {
	r := router.New()
	s := store.New(0, 0, nil)
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 10
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 20 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 50 * time.Millisecond
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 500 * time.Millisecond
	}
	return New(cfg, r, s, nil), r, s
}

func TestSendDeliversAndAcks(t *testing.T) {
	e, r, s := testEngine(Config{})
	d := &recordingDeliverer{name: "bob", ch: make(chan protocol.Envelope, 4)}
	r.Register("bob", d)

	env, _ := protocol.New(protocol.TypeDeliver, "m1", "alice", "bob", 0, protocol.SendPayload{Body: "hi"})
	if _, err := e.Send(env, "bob", 1, "bob", false); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-d.ch:
		if got.Delivery == nil || got.Delivery.Seq != 1 {
			t.Fatalf("delivery info = %+v, want seq 1", got.Delivery)
		}
		e.Ack("bob", got.Delivery.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := s.Get("m1"); ok && rec.State == store.StateAcked {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected record to reach Acked state")
}

func TestSendRetriesUntilDestinationComesOnline(t *testing.T) {
	e, r, s := testEngine(Config{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, DefaultTTL: time.Second, MaxAttempts: 50})

	env, _ := protocol.New(protocol.TypeDeliver, "m1", "alice", "bob", 0, protocol.SendPayload{Body: "hi"})
	if _, err := e.Send(env, "bob", 1, "bob", false); err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)

	d := &recordingDeliverer{name: "bob", ch: make(chan protocol.Envelope, 4)}
	r.Register("bob", d)

	select {
	case got := <-d.ch:
		e.Ack("bob", got.Delivery.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery once destination came online")
	}
	_ = s
}

func TestSendExpiresAfterTTL(t *testing.T) {
	e, _, s := testEngine(Config{BaseBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond, DefaultTTL: 30 * time.Millisecond, MaxAttempts: 10})

	env, _ := protocol.New(protocol.TypeDeliver, "m1", "alice", "ghost", 0, protocol.SendPayload{Body: "hi"})
	if _, err := e.Send(env, "ghost", 1, "ghost", false); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := s.Get("m1"); ok && rec.State == store.StateExpired {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected record to expire once its TTL passed with no live destination")
}

func TestOnFailedFiresOnExpiry(t *testing.T) {
	e, _, _ := testEngine(Config{BaseBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond, DefaultTTL: 30 * time.Millisecond, MaxAttempts: 10})

	failed := make(chan string, 1)
	e.OnFailed(func(env protocol.Envelope, code, reason string) {
		failed <- code
	})

	env, _ := protocol.New(protocol.TypeDeliver, "m1", "alice", "ghost", 0, protocol.SendPayload{Body: "hi"})
	if _, err := e.Send(env, "ghost", 1, "ghost", false); err != nil {
		t.Fatal(err)
	}

	select {
	case code := <-failed:
		if code != protocol.ErrAckTimeout {
			t.Fatalf("code = %q, want %q", code, protocol.ErrAckTimeout)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnFailed callback on expiry")
	}
}

func TestOnFailedFiresOnNack(t *testing.T) {
	e, r, _ := testEngine(Config{})

	failed := make(chan string, 1)
	e.OnFailed(func(env protocol.Envelope, code, reason string) {
		failed <- reason
	})

	d := &recordingDeliverer{name: "bob", ch: make(chan protocol.Envelope, 4)}
	r.Register("bob", d)

	env, _ := protocol.New(protocol.TypeDeliver, "m1", "alice", "bob", 0, protocol.SendPayload{Body: "hi"})
	if _, err := e.Send(env, "bob", 1, "bob", false); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-d.ch:
		e.Nack("bob", got.Delivery.SessionID, "rejected: busy")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	select {
	case reason := <-failed:
		if reason != "rejected: busy" {
			t.Fatalf("reason = %q, want %q", reason, "rejected: busy")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnFailed callback on nack")
	}
}

// TestQueueOverflowDropsOldestAndSignalsBusy covers spec section 4.6's
// "overflow causes oldest-first drop" and the back-pressure testable
// scenario in section 8: a SEND that lands on a full destination queue is
// still accepted (the oldest queued item is dropped to make room, and its
// sender is told ERROR via OnFailed) while the new message's own sender is
// warned with a busy signal rather than a flat rejection.
func TestQueueOverflowDropsOldestAndSignalsBusy(t *testing.T) {
	e, _, s := testEngine(Config{QueueDepth: 2, DefaultTTL: 10 * time.Second, MaxAttempts: 1000, BaseBackoff: time.Second, MaxBackoff: time.Second})

	failed := make(chan string, 4)
	e.OnFailed(func(env protocol.Envelope, code, reason string) {
		failed <- env.ID
	})

	env, _ := protocol.New(protocol.TypeDeliver, "m1", "alice", "ghost", 0, protocol.SendPayload{Body: "hi"})
	if _, err := e.Send(env, "ghost", 1, "ghost", false); err != nil {
		t.Fatal(err)
	}
	env2, _ := protocol.New(protocol.TypeDeliver, "m2", "alice", "ghost", 0, protocol.SendPayload{Body: "hi2"})
	if _, err := e.Send(env2, "ghost", 2, "ghost", false); err != nil {
		t.Fatal(err)
	}
	env3, _ := protocol.New(protocol.TypeDeliver, "m3", "alice", "ghost", 0, protocol.SendPayload{Body: "hi3"})
	busy, err := e.Send(env3, "ghost", 3, "ghost", false)
	if err != nil {
		t.Fatal(err)
	}
	if !busy {
		t.Fatal("expected busy=true once the destination queue is at capacity")
	}

	select {
	case droppedID := <-failed:
		if droppedID != "m1" {
			t.Fatalf("dropped id = %q, want the oldest queued message m1", droppedID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the oldest item's OnFailed callback")
	}

	if rec, ok := s.Get("m1"); !ok || rec.State != store.StateExpired {
		t.Fatalf("m1 state = %+v, want Expired", rec)
	}
	if _, ok := s.Get("m3"); !ok {
		t.Fatal("expected m3 to still be recorded despite the overflow")
	}
}
