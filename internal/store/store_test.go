package store

import (
	"testing"
	"time"

	"github.com/agent-relay/relay/pkg/protocol"
)

func mkRecord(id, to string, seq int64, state State) Record {
	return Record{
		ID:        id,
		From:      "alice",
		To:        to,
		Seq:       seq,
		Envelope:  protocol.Envelope{ID: id, Type: protocol.TypeDeliver},
		State:     state,
		CreatedAt: time.Now(),
	}
}

func TestAppendAndGet(t *testing.T) {
	s := New(0, 0, nil)
	s.Append(mkRecord("m1", "bob", 1, StatePending))

	r, ok := s.Get("m1")
	if !ok {
		t.Fatal("expected m1 to be stored")
	}
	if r.To != "bob" {
		t.Fatalf("to = %q, want bob", r.To)
	}
}

func TestEvictionSkipsPendingRecords(t *testing.T) {
	s := New(2, 0, nil)
	s.Append(mkRecord("m1", "bob", 1, StatePending))
	s.Append(mkRecord("m2", "bob", 2, StateAcked))
	s.Append(mkRecord("m3", "bob", 3, StateAcked))

	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3 because m1 is pending and unevictable", s.Len())
	}
	if _, ok := s.Get("m1"); !ok {
		t.Fatal("expected pending m1 to survive eviction")
	}
}

func TestEvictionRemovesOldestTerminalRecord(t *testing.T) {
	s := New(2, 0, nil)
	s.Append(mkRecord("m1", "bob", 1, StateAcked))
	s.Append(mkRecord("m2", "bob", 2, StateAcked))
	s.Append(mkRecord("m3", "bob", 3, StateAcked))

	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
	if _, ok := s.Get("m1"); ok {
		t.Fatal("expected oldest terminal record m1 to be evicted")
	}
	if _, ok := s.Get("m3"); !ok {
		t.Fatal("expected newest record m3 to survive")
	}
}

func TestSinceFiltersByDestinationAndSeq(t *testing.T) {
	s := New(0, 0, nil)
	s.Append(mkRecord("m1", "bob", 1, StateAcked))
	s.Append(mkRecord("m2", "carol", 2, StateAcked))
	s.Append(mkRecord("m3", "bob", 3, StateAcked))

	out := s.Since("bob", 1, 0)
	if len(out) != 1 || out[0].ID != "m3" {
		t.Fatalf("out = %+v, want only m3", out)
	}
}

func TestSetStateAllowsSubsequentEviction(t *testing.T) {
	s := New(1, 0, nil)
	s.Append(mkRecord("m1", "bob", 1, StatePending))
	s.Append(mkRecord("m2", "bob", 2, StateAcked))
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2 while m1 still pending", s.Len())
	}

	s.SetState("m1", StateAcked)
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1 once m1 is no longer pending", s.Len())
	}
	if _, ok := s.Get("m2"); !ok {
		t.Fatal("expected newest record m2 to survive")
	}
}
