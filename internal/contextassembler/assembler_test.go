package contextassembler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"opensprint/internal/taskstore"
)

type fakeStore struct {
	taskstore.Store
	sessions map[string][]taskstore.Session
}

func (f *fakeStore) LoadSessions(ctx context.Context, taskID string) ([]taskstore.Session, error) {
	return f.sessions[taskID], nil
}

func TestAssemble_CodingPhase(t *testing.T) {
	dir := t.TempDir()
	a := New(nil, nil)

	out, err := a.Assemble(context.Background(), Input{
		TaskID:             "T1",
		Phase:              PhaseCoding,
		Branch:             "feature/t1",
		RepoPath:           dir,
		TestCommand:        "go test ./...",
		Attempt:            1,
		Title:              "Add widget",
		Description:        "Implement the widget.",
		AcceptanceCriteria: []string{"widget renders", "tests pass"},
		PlanMarkdown:       "# Plan\n...",
		PRDExcerpt:         "excerpt",
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	var cfg RuntimeConfig
	data, err := os.ReadFile(filepath.Join(out, "config.json"))
	if err != nil {
		t.Fatalf("read config.json: %v", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config.json: %v", err)
	}
	if cfg.TaskID != "T1" || cfg.Phase != PhaseCoding || cfg.Branch != "feature/t1" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	prompt, err := os.ReadFile(filepath.Join(out, "prompt.md"))
	if err != nil {
		t.Fatalf("read prompt.md: %v", err)
	}
	if !strings.Contains(string(prompt), "Add widget") || !strings.Contains(string(prompt), "result.json") {
		t.Fatalf("prompt missing expected content: %s", prompt)
	}

	if _, err := os.Stat(filepath.Join(out, "context", "implementation.diff")); !os.IsNotExist(err) {
		t.Fatalf("coding phase should not write implementation.diff")
	}
}

func TestAssemble_ReviewPhase_WritesImplementationDiff(t *testing.T) {
	dir := t.TempDir()
	a := New(nil, nil)

	out, err := a.Assemble(context.Background(), Input{
		TaskID:             "T2",
		Phase:              PhaseReview,
		RepoPath:           dir,
		ImplementationDiff: "diff --git a/x b/x\n",
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(out, "context", "implementation.diff"))
	if err != nil {
		t.Fatalf("read implementation.diff: %v", err)
	}
	if string(data) != "diff --git a/x b/x\n" {
		t.Fatalf("unexpected implementation.diff content: %s", data)
	}

	prompt, err := os.ReadFile(filepath.Join(out, "prompt.md"))
	if err != nil {
		t.Fatalf("read prompt.md: %v", err)
	}
	if !strings.Contains(string(prompt), "implementation.diff") {
		t.Fatalf("review prompt should mention implementation.diff: %s", prompt)
	}
}

func TestAssemble_DependencyFallsBackToSessionArtifact(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{sessions: map[string][]taskstore.Session{
		"DEP1": {
			{TaskID: "DEP1", Attempt: 1, Status: taskstore.SessionRejected, Summary: "rejected attempt"},
			{TaskID: "DEP1", Attempt: 2, Status: taskstore.SessionApproved, Summary: "approved work", GitDiff: "diff --git a/dep b/dep\n"},
		},
	}}
	a := New(nil, store)

	out, err := a.Assemble(context.Background(), Input{
		TaskID:       "T3",
		Phase:        PhaseCoding,
		RepoPath:     dir,
		Dependencies: []DependencyRef{{TaskID: "DEP1", Branch: ""}},
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	diff, err := os.ReadFile(filepath.Join(out, "context", "deps", "DEP1.diff"))
	if err != nil {
		t.Fatalf("read dep diff: %v", err)
	}
	if string(diff) != "diff --git a/dep b/dep\n" {
		t.Fatalf("expected fallback diff from approved session, got %s", diff)
	}

	summary, err := os.ReadFile(filepath.Join(out, "context", "deps", "DEP1.summary.md"))
	if err != nil {
		t.Fatalf("read dep summary: %v", err)
	}
	if string(summary) != "approved work" {
		t.Fatalf("unexpected dep summary: %s", summary)
	}
}

func TestAssemble_PreviousTestOutputTruncated(t *testing.T) {
	dir := t.TempDir()
	a := New(nil, nil)

	long := make([]byte, maxPreviousTestOutput+500)
	for i := range long {
		long[i] = 'x'
	}

	out, err := a.Assemble(context.Background(), Input{
		TaskID:             "T4",
		Phase:              PhaseCoding,
		RepoPath:           dir,
		PreviousTestOutput: string(long),
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	var cfg RuntimeConfig
	data, err := os.ReadFile(filepath.Join(out, "config.json"))
	if err != nil {
		t.Fatalf("read config.json: %v", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config.json: %v", err)
	}
	if len(cfg.PreviousTestOutput) != maxPreviousTestOutput {
		t.Fatalf("expected truncation to %d chars, got %d", maxPreviousTestOutput, len(cfg.PreviousTestOutput))
	}
}

func TestGenerateMergeConflictPrompt(t *testing.T) {
	prompt, err := GenerateMergeConflictPrompt("T1", "feature/t1", "/repo",
		[]string{"x.ts"}, "diff --git a/x.ts b/x.ts\n", []string{"T0: merged"})
	if err != nil {
		t.Fatalf("GenerateMergeConflictPrompt: %v", err)
	}
	if !strings.Contains(prompt, "x.ts") || !strings.Contains(prompt, "merge-result.json") {
		t.Fatalf("unexpected merge conflict prompt: %s", prompt)
	}
}
