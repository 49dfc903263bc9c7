package gitworkspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func setupRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

func TestCreateOrCheckoutBranch_Idempotent(t *testing.T) {
	dir := setupRepo(t)
	m := New(dir, ModeWorktree, nil)
	ctx := context.Background()

	if err := m.CreateOrCheckoutBranch(ctx, dir, "feature/t1"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := m.CreateOrCheckoutBranch(ctx, dir, "feature/t1"); err != nil {
		t.Fatalf("second call: %v", err)
	}

	branch, err := m.currentBranch(ctx, dir)
	if err != nil {
		t.Fatalf("currentBranch: %v", err)
	}
	if branch != "feature/t1" {
		t.Fatalf("expected to be on feature/t1, got %q", branch)
	}
}

func TestCreateTaskWorktree_AndRemove(t *testing.T) {
	dir := setupRepo(t)
	m := New(dir, ModeWorktree, nil)
	ctx := context.Background()

	path, err := m.CreateTaskWorktree(ctx, "T1", "feature/t1")
	if err != nil {
		t.Fatalf("CreateTaskWorktree: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected worktree dir to exist: %v", err)
	}

	// idempotent: calling again with an existing path returns the same path.
	again, err := m.CreateTaskWorktree(ctx, "T1", "feature/t1")
	if err != nil || again != path {
		t.Fatalf("expected idempotent path reuse, got %q err=%v", again, err)
	}

	if err := m.RemoveTaskWorktree(ctx, "T1", path, "feature/t1"); err != nil {
		t.Fatalf("RemoveTaskWorktree: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected worktree dir removed")
	}

	// removing an already-removed worktree is a no-op success.
	if err := m.RemoveTaskWorktree(ctx, "T1", path, "feature/t1"); err != nil {
		t.Fatalf("RemoveTaskWorktree (already removed): %v", err)
	}
}

func TestGetDiff_MissingBranch(t *testing.T) {
	dir := setupRepo(t)
	m := New(dir, ModeWorktree, nil)

	diff, err := m.GetDiff(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("GetDiff: %v", err)
	}
	if diff != "" {
		t.Fatalf("expected empty diff for missing branch, got %q", diff)
	}
}

func TestMergeToMain_FastForward(t *testing.T) {
	dir := setupRepo(t)
	m := New(dir, ModeWorktree, nil)
	ctx := context.Background()

	if err := m.CreateOrCheckoutBranch(ctx, dir, "feature/t1"); err != nil {
		t.Fatalf("CreateOrCheckoutBranch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "feature.txt"), []byte("work\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("git", "add", ".")
	cmd.Dir = dir
	cmd.Run()
	cmd = exec.Command("git", "commit", "-m", "feature work")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("commit feature work: %v\n%s", err, out)
	}

	result, err := m.MergeToMain(ctx, "feature/t1")
	if err != nil {
		t.Fatalf("MergeToMain: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected fast-forward merge to succeed: %+v", result)
	}
	if _, err := os.Stat(filepath.Join(dir, "feature.txt")); err != nil {
		t.Fatalf("expected feature.txt present on main after merge: %v", err)
	}
}

func TestListTaskWorktrees(t *testing.T) {
	dir := setupRepo(t)
	m := New(dir, ModeWorktree, nil)
	ctx := context.Background()

	if _, err := m.CreateTaskWorktree(ctx, "T1", "feature/t1"); err != nil {
		t.Fatalf("CreateTaskWorktree: %v", err)
	}

	entries, err := m.ListTaskWorktrees(ctx)
	if err != nil {
		t.Fatalf("ListTaskWorktrees: %v", err)
	}
	if len(entries) != 1 || entries[0].TaskID != "T1" {
		t.Fatalf("unexpected worktree entries: %+v", entries)
	}
}
