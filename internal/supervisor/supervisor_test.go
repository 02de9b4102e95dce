package supervisor

import (
	"context"
	"testing"
	"time"
)

func TestSupervisorSpawnRejectsDuplicateName(t *testing.T) {
	s := New(Config{ReleaseGraceful: time.Second}, nil, nil, nil)
	ctx := context.Background()

	spec := Spec{Name: "worker", Program: "/bin/sh", Args: []string{"-c", "sleep 5"}}
	if _, err := s.Spawn(ctx, spec); err != nil {
		t.Fatal(err)
	}
	defer s.Release("worker", true)

	if _, err := s.Spawn(ctx, spec); err != ErrAlreadySpawned {
		t.Fatalf("err = %v, want ErrAlreadySpawned", err)
	}
}

func TestSupervisorReleaseGraceful(t *testing.T) {
	s := New(Config{ReleaseGraceful: 2 * time.Second}, nil, nil, nil)
	ctx := context.Background()

	_, err := s.Spawn(ctx, Spec{Name: "worker", Program: "/bin/sh", Args: []string{"-c", "trap 'exit 0' TERM; sleep 5"}})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Release("worker", false); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("worker"); ok {
		t.Fatal("expected worker to no longer be tracked after release")
	}
}

func TestSupervisorReleaseIsIdempotent(t *testing.T) {
	s := New(Config{ReleaseGraceful: time.Second}, nil, nil, nil)
	ctx := context.Background()

	if _, err := s.Spawn(ctx, Spec{Name: "worker", Program: "/bin/sh", Args: []string{"-c", "sleep 5"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Release("worker", true); err != nil {
		t.Fatal(err)
	}
	if err := s.Release("worker", true); err != nil {
		t.Fatalf("second release = %v, want nil (idempotent)", err)
	}
	if err := s.Release("never-spawned", false); err != nil {
		t.Fatalf("release of unknown name = %v, want nil", err)
	}
}

func TestSupervisorOnReleasedFiresOnce(t *testing.T) {
	released := make(chan string, 2)
	s := New(Config{ReleaseGraceful: time.Second}, nil, nil, nil)
	s.OnReleased(func(name string) { released <- name })
	ctx := context.Background()

	if _, err := s.Spawn(ctx, Spec{Name: "worker", Program: "/bin/sh", Args: []string{"-c", "sleep 5"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Release("worker", true); err != nil {
		t.Fatal(err)
	}

	select {
	case name := <-released:
		if name != "worker" {
			t.Fatalf("released name = %q, want worker", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnReleased callback")
	}

	// A second Release on the same (now untracked) name must not fire again.
	if err := s.Release("worker", true); err != nil {
		t.Fatal(err)
	}
	select {
	case name := <-released:
		t.Fatalf("OnReleased fired again for %q after the child was already gone", name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCompletionMarkerTriggersAutoRelease(t *testing.T) {
	released := make(chan string, 1)
	s := New(Config{ReleaseGraceful: time.Second}, nil, nil, nil)
	s.OnReleased(func(name string) { released <- name })
	ctx := context.Background()

	_, err := s.Spawn(ctx, Spec{
		Name:    "finisher",
		CLIKind: "generic-cli",
		Program: "/bin/sh",
		Args:    []string{"-c", "echo DONE: all good; sleep 5"},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case name := <-released:
		if name != "finisher" {
			t.Fatalf("released name = %q, want finisher", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion marker to trigger release")
	}
}

func TestSupervisorRestartsOnUnexpectedExit(t *testing.T) {
	exitCh := make(chan RestartState, 1)
	s := New(Config{MaxRestarts: 1, ReleaseGraceful: time.Second}, nil, func(name string, state RestartState) {
		exitCh <- state
	}, nil)
	ctx := context.Background()

	m, err := s.Spawn(ctx, Spec{Name: "flaky", Program: "/bin/sh", Args: []string{"-c", "exit 1"}})
	if err != nil {
		t.Fatal(err)
	}
	_ = m

	select {
	case state := <-exitCh:
		if state != StatePermanentlyDead {
			t.Fatalf("state = %v, want permanently_dead once restarts exhausted", state)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}
}
