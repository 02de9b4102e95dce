package supervisor

import (
	"strings"
	"testing"
	"time"
)

func TestSpawnCapturesOutput(t *testing.T) {
	c, err := Spawn(Spec{
		Name:    "echoer",
		CLIKind: "generic-cli",
		Program: "/bin/sh",
		Args:    []string{"-c", "echo hello-from-child"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Kill()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case line := <-c.Output():
			if strings.Contains(line.Line, "hello-from-child") {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for child output")
		}
	}
}

func TestSpawnDoneClosesOnExit(t *testing.T) {
	c, err := Spawn(Spec{
		Name:    "quick-exit",
		Program: "/bin/sh",
		Args:    []string{"-c", "exit 0"},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for child to exit")
	}
	if c.ExitCode() != 0 {
		t.Fatalf("exit code = %d, want 0", c.ExitCode())
	}
}

func TestMatchesCompletion(t *testing.T) {
	kind := LookupCLIKind("claude-code")

	if _, ok := kind.MatchesCompletion("still working..."); ok {
		t.Fatal("expected no marker match")
	}
	marker, ok := kind.MatchesCompletion("result is DONE: all good")
	if !ok || marker != MarkerDone {
		t.Fatalf("marker = %q ok = %v, want DONE:", marker, ok)
	}
}

func TestLookupCLIKindFallsBackToGenericMarkers(t *testing.T) {
	kind := LookupCLIKind("some-unknown-cli")
	if kind.SpeaksMCP {
		t.Fatal("unknown CLI kind should not be assumed to speak MCP")
	}
	if len(kind.Markers) == 0 {
		t.Fatal("expected fallback markers to be populated")
	}
}
