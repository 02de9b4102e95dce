package session

import (
	"context"
	"testing"
	"time"

	"github.com/agent-relay/relay/pkg/protocol"
)

func TestStoreOpenRejectsDuplicateLiveName(t *testing.T) {
	s := NewStore(100, time.Minute, nil)

	if _, err := s.Open("claude-1", protocol.EntityAgent); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := s.Open("claude-1", protocol.EntityAgent); err != ErrNameInUse {
		t.Fatalf("second open: err = %v, want ErrNameInUse", err)
	}
}

func TestStoreResumeRoundTrip(t *testing.T) {
	s := NewStore(100, time.Minute, nil)

	sess, err := s.Open("claude-1", protocol.EntityAgent)
	if err != nil {
		t.Fatal(err)
	}
	sess.NextSeq()
	sess.NextSeq()
	token := sess.ResumeToken

	s.MarkDormant("claude-1")

	resumed, ok := s.Resume(token)
	if !ok {
		t.Fatal("expected resume to succeed")
	}
	if resumed.Seq() != 2 {
		t.Fatalf("resumed seq = %d, want 2", resumed.Seq())
	}
	if resumed.State() != StateActive {
		t.Fatalf("resumed state = %v, want active", resumed.State())
	}
}

func TestStoreResumeTooOld(t *testing.T) {
	s := NewStore(100, 10*time.Millisecond, nil)

	sess, err := s.Open("claude-1", protocol.EntityAgent)
	if err != nil {
		t.Fatal(err)
	}
	token := sess.ResumeToken
	s.MarkDormant("claude-1")

	time.Sleep(30 * time.Millisecond)

	if _, ok := s.Resume(token); ok {
		t.Fatal("expected resume to fail once the resume window elapsed")
	}
}

func TestStoreReopenAfterDormant(t *testing.T) {
	s := NewStore(100, time.Minute, nil)

	if _, err := s.Open("claude-1", protocol.EntityAgent); err != nil {
		t.Fatal(err)
	}
	s.MarkDormant("claude-1")

	if _, err := s.Open("claude-1", protocol.EntityAgent); err != nil {
		t.Fatalf("expected reopen over dormant name to succeed, got %v", err)
	}
}

func TestStoreSweeperExpiresDormantSessions(t *testing.T) {
	s := NewStore(100, 10*time.Millisecond, nil)
	if _, err := s.Open("claude-1", protocol.EntityAgent); err != nil {
		t.Fatal(err)
	}
	s.MarkDormant("claude-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartSweeper(ctx, 5*time.Millisecond)
	defer s.Stop()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, ok := s.Lookup("claude-1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected dormant session to be swept")
}
