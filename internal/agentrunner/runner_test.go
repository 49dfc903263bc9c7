package agentrunner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun_ExitSuccess(t *testing.T) {
	rn := New(NewRegistry(nil), nil)
	res := rn.Run(context.Background(), RunOptions{
		Command: "sh",
		Args:    []string{"-c", "echo hello; echo world 1>&2"},
		Env:     Env(nil),
	})
	if res.Outcome != OutcomeExit {
		t.Fatalf("outcome = %v, want exit", res.Outcome)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	joined := strings.Join(res.Output, "\n")
	if !strings.Contains(joined, "hello") || !strings.Contains(joined, "world") {
		t.Fatalf("output missing expected lines: %v", res.Output)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	rn := New(NewRegistry(nil), nil)
	res := rn.Run(context.Background(), RunOptions{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
		Env:     Env(nil),
	})
	if res.Outcome != OutcomeExit {
		t.Fatalf("outcome = %v, want exit", res.Outcome)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestRun_SpawnError(t *testing.T) {
	rn := New(NewRegistry(nil), nil)
	res := rn.Run(context.Background(), RunOptions{
		Command: "/no/such/binary-opensprint-test",
	})
	if res.Outcome != OutcomeSpawnError {
		t.Fatalf("outcome = %v, want spawn_error", res.Outcome)
	}
}

func TestRun_Timeout(t *testing.T) {
	registry := NewRegistry(nil)
	rn := New(registry, nil)
	res := rn.Run(context.Background(), RunOptions{
		Command:   "sh",
		Args:      []string{"-c", "sleep 30"},
		Env:       Env(nil),
		Timeout:   200 * time.Millisecond,
		KillGrace: 200 * time.Millisecond,
	})
	if res.Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %v, want timeout", res.Outcome)
	}
	if registry.Len() != 0 {
		t.Fatalf("registry still tracking %d groups after timeout", registry.Len())
	}
}

func TestRun_Cancellation(t *testing.T) {
	registry := NewRegistry(nil)
	rn := New(registry, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res := rn.Run(ctx, RunOptions{
		Command:   "sh",
		Args:      []string{"-c", "sleep 30"},
		Env:       Env(nil),
		KillGrace: 200 * time.Millisecond,
	})
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %v, want cancelled", res.Outcome)
	}
	if registry.Len() != 0 {
		t.Fatalf("registry still tracking %d groups after cancellation", registry.Len())
	}
}

func TestRun_OutputCallback(t *testing.T) {
	rn := New(NewRegistry(nil), nil)
	var seen []string
	rn.Run(context.Background(), RunOptions{
		Command:        "sh",
		Args:           []string{"-c", "echo one; echo two"},
		Env:            Env(nil),
		OutputCallback: func(line string) { seen = append(seen, line) },
	})
	if len(seen) != 2 {
		t.Fatalf("callback saw %d lines, want 2: %v", len(seen), seen)
	}
}

func TestEnv_MergesOverrides(t *testing.T) {
	env := Env(map[string]string{"OPENSPRINT_TEST_VAR": "1"})
	found := false
	for _, kv := range env {
		if kv == "OPENSPRINT_TEST_VAR=1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("override not present in merged env: %v", env)
	}
}
