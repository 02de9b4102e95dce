package router

import (
	"testing"

	"github.com/agent-relay/relay/pkg/protocol"
)

type fakeDeliverer struct {
	name string
	sent []protocol.Envelope
}

func (f *fakeDeliverer) Enqueue(env protocol.Envelope) error {
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeDeliverer) RemoteName() string { return f.name }

func TestResolveDirect(t *testing.T) {
	r := New()
	r.Register("bob", &fakeDeliverer{name: "bob"})

	names, err := r.Resolve("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "bob" {
		t.Fatalf("names = %v, want [bob]", names)
	}
}

func TestResolveUnknownDestination(t *testing.T) {
	r := New()
	if _, err := r.Resolve("alice", "ghost"); err != ErrUnknownDestination {
		t.Fatalf("err = %v, want ErrUnknownDestination", err)
	}
}

// TestResolveDormantDestinationIsKnown covers spec section 4.6: a direct
// destination with no live peer entry but still tracked by the session
// store (dormant, inside its resume window) resolves successfully instead
// of bouncing as unknown, so the delivery engine can queue for it.
func TestResolveDormantDestinationIsKnown(t *testing.T) {
	r := New()
	r.SetDormantLookup(func(name string) bool { return name == "bob" })

	names, err := r.Resolve("alice", "bob")
	if err != nil {
		t.Fatalf("err = %v, want nil for a dormant-but-known destination", err)
	}
	if len(names) != 1 || names[0] != "bob" {
		t.Fatalf("names = %v, want [bob]", names)
	}

	if _, err := r.Resolve("alice", "ghost"); err != ErrUnknownDestination {
		t.Fatalf("err = %v, want ErrUnknownDestination for a destination the session store has never seen", err)
	}
}

func TestResolveWildcardExcludesSender(t *testing.T) {
	r := New()
	r.Register("alice", &fakeDeliverer{name: "alice"})
	r.Register("bob", &fakeDeliverer{name: "bob"})
	r.Register("carol", &fakeDeliverer{name: "carol"})

	names, err := r.Resolve("alice", protocol.Wildcard)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("names = %v, want 2 entries excluding alice", names)
	}
	for _, n := range names {
		if n == "alice" {
			t.Fatal("wildcard resolution included the sender")
		}
	}
}

func TestResolveChannelExcludesSender(t *testing.T) {
	r := New()
	r.Register("alice", &fakeDeliverer{name: "alice"})
	r.Register("bob", &fakeDeliverer{name: "bob"})
	r.JoinChannel("alice", "#team")
	r.JoinChannel("bob", "#team")

	names, err := r.Resolve("alice", "#team")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "bob" {
		t.Fatalf("names = %v, want [bob]", names)
	}
}

func TestLeaveChannelRemovesMembership(t *testing.T) {
	r := New()
	r.JoinChannel("alice", "#team")
	r.LeaveChannel("alice", "#team")

	names, err := r.Resolve("nobody", "#team")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("names = %v, want empty", names)
	}
}

func TestBindRejectsDirectCycle(t *testing.T) {
	r := New()
	if err := r.Bind("a", ShadowBinding{Primary: "a"}); err != ErrShadowCycle {
		t.Fatalf("err = %v, want ErrShadowCycle", err)
	}
}

func TestBindRejectsTransitiveCycle(t *testing.T) {
	r := New()
	if err := r.Bind("b", ShadowBinding{Primary: "a"}); err != nil {
		t.Fatal(err)
	}
	// a -> b would close the loop a shadows b shadows a.
	if err := r.Bind("a", ShadowBinding{Primary: "b"}); err != ErrShadowCycle {
		t.Fatalf("err = %v, want ErrShadowCycle", err)
	}
}

func TestShadowsOfReturnsFanOut(t *testing.T) {
	r := New()
	if err := r.Bind("shadow1", ShadowBinding{Primary: "primary", ReceiveIncoming: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.Bind("shadow2", ShadowBinding{Primary: "primary", ReceiveOutgoing: true}); err != nil {
		t.Fatal(err)
	}

	shadows := r.ShadowsOf("primary")
	if len(shadows) != 2 {
		t.Fatalf("shadows = %v, want 2 entries", shadows)
	}
}

func TestUnbindRemovesEdge(t *testing.T) {
	r := New()
	_ = r.Bind("shadow1", ShadowBinding{Primary: "primary"})
	r.Unbind("shadow1")

	if shadows := r.ShadowsOf("primary"); len(shadows) != 0 {
		t.Fatalf("shadows = %v, want empty after unbind", shadows)
	}
}

func TestForgetClearsAllMemberships(t *testing.T) {
	r := New()
	r.Register("alice", &fakeDeliverer{name: "alice"})
	r.JoinChannel("alice", "#team")
	r.Subscribe("alice", "topic.x")
	_ = r.Bind("alice", ShadowBinding{Primary: "bob"})

	r.Forget("alice")

	if r.IsLive("alice") {
		t.Fatal("expected alice to no longer be live")
	}
	if chans := r.ChannelsOf("alice"); len(chans) != 0 {
		t.Fatalf("channels = %v, want empty", chans)
	}
	if shadows := r.ShadowsOf("bob"); len(shadows) != 0 {
		t.Fatalf("shadows of bob = %v, want empty", shadows)
	}
}
