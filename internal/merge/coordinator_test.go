package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"opensprint/internal/agentrunner"
	"opensprint/internal/config"
	"opensprint/internal/eventbus"
	"opensprint/internal/gitworkspace"
	"opensprint/internal/spawn"
	"opensprint/internal/taskstore"
)

// setupRepo creates a working repo with a bare "origin" remote, so
// PushMain has somewhere to push to.
func setupRepo(t *testing.T) string {
	t.Helper()
	remote := t.TempDir()
	if out, err := exec.Command("git", "init", "--bare", "-b", "main", remote).CombinedOutput(); err != nil {
		t.Fatalf("git init --bare: %v\n%s", err, out)
	}

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
	run("remote", "add", "origin", remote)
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")
	run("push", "origin", "main")
	return dir
}

func branchWithFile(t *testing.T, repo, branch, path, content string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("checkout", "-b", branch, "main")
	if err := os.WriteFile(filepath.Join(repo, path), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "change on "+branch)
	run("checkout", "main")
}

type fakeHost struct {
	mu        sync.Mutex
	patches   []taskstore.TaskPatch
	released  []string
	nudged    int
	doneDelta int
	failDelta int
}

func (f *fakeHost) TransitionTask(ctx context.Context, taskID string, patch taskstore.TaskPatch, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch)
	return nil
}

func (f *fakeHost) PersistCounters(ctx context.Context, projectID string, doneDelta, failedDelta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doneDelta += doneDelta
	f.failDelta += failedDelta
	return nil
}

func (f *fakeHost) ReleaseSlot(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, taskID)
}

func (f *fakeHost) Nudge() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nudged++
}

// fakeSpawner stands in for the merger agent: it runs the optional resolve
// callback against the repo, then writes a merge-result.json carrying the
// configured status into the workspace it's given. It stages nothing; the
// Coordinator's FinishMerge does that.
type fakeSpawner struct {
	repo     string
	status   string
	resolve  func(repo string)
}

func (s *fakeSpawner) Run(ctx context.Context, req spawn.Request) agentrunner.Result {
	if s.resolve != nil {
		s.resolve(s.repo)
	}
	data := `{"status":"` + s.status + `","summary":"resolved"}`
	_ = os.WriteFile(filepath.Join(req.WorkspaceDir, "merge-result.json"), []byte(data), 0644)
	return agentrunner.Result{Outcome: agentrunner.OutcomeExit, ExitCode: 0}
}

func testConfig() *config.Config {
	return &config.Config{
		AgentCommand:         "opensprint-agent",
		MergerTimeoutSeconds: 60,
		KillGraceSeconds:     5,
	}
}

func TestComplete_CleanMergeSucceeds(t *testing.T) {
	repo := setupRepo(t)
	branchWithFile(t, repo, "feature/t1", "feature.txt", "feature work\n")

	git := gitworkspace.New(repo, gitworkspace.ModeBranches, nil)
	store, err := taskstore.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	bus := eventbus.New(nil, 0)
	c := New(git, store, &fakeSpawner{}, bus, testConfig(), nil)
	host := &fakeHost{}

	err = c.Complete(context.Background(), host, Request{ProjectID: "P1", TaskID: "T1", Branch: "feature/t1"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(host.released) != 1 || host.released[0] != "T1" {
		t.Fatalf("expected slot released for T1, got %+v", host.released)
	}
	if host.doneDelta != 1 || host.failDelta != 0 {
		t.Fatalf("expected done counter incremented, got done=%d failed=%d", host.doneDelta, host.failDelta)
	}
	if host.nudged != 1 {
		t.Fatalf("expected scheduler nudged once, got %d", host.nudged)
	}
}

func TestComplete_ConflictResolvedByMergerAgent(t *testing.T) {
	repo := setupRepo(t)
	conflictPath := filepath.Join(repo, "shared.txt")
	if err := os.WriteFile(conflictPath, []byte("main version\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("add", ".")
	run("commit", "-m", "add shared.txt on main")

	run("checkout", "-b", "feature/t2", "main")
	if err := os.WriteFile(conflictPath, []byte("feature version\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "change shared.txt on feature/t2")
	run("checkout", "main")
	if err := os.WriteFile(conflictPath, []byte("main changed version\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "diverge shared.txt on main")

	git := gitworkspace.New(repo, gitworkspace.ModeBranches, nil)
	store, err := taskstore.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	resolve := func(repo string) {
		conflict := filepath.Join(repo, "shared.txt")
		_ = os.WriteFile(conflict, []byte("resolved version\n"), 0644)
	}
	spawner := &fakeSpawner{repo: repo, status: "success", resolve: resolve}

	bus := eventbus.New(nil, 0)
	c := New(git, store, spawner, bus, testConfig(), nil)
	host := &fakeHost{}

	err = c.Complete(context.Background(), host, Request{ProjectID: "P1", TaskID: "T2", Branch: "feature/t2"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if host.doneDelta != 1 {
		t.Fatalf("expected merger-resolved conflict to count as done, got %+v", host)
	}

	data, err := os.ReadFile(conflictPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "resolved version\n" {
		t.Fatalf("expected merger agent's resolution to be committed, got %q", data)
	}
}

func TestComplete_MergerAgentFailureBlocksTask(t *testing.T) {
	repo := setupRepo(t)
	conflictPath := filepath.Join(repo, "shared.txt")
	if err := os.WriteFile(conflictPath, []byte("main version\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("add", ".")
	run("commit", "-m", "add shared.txt on main")

	run("checkout", "-b", "feature/t3", "main")
	if err := os.WriteFile(conflictPath, []byte("feature version\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "change shared.txt on feature/t3")
	run("checkout", "main")
	if err := os.WriteFile(conflictPath, []byte("main changed version\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "diverge shared.txt on main")

	git := gitworkspace.New(repo, gitworkspace.ModeBranches, nil)
	store, err := taskstore.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	spawner := &fakeSpawner{status: "failed"}
	bus := eventbus.New(nil, 0)
	c := New(git, store, spawner, bus, testConfig(), nil)
	host := &fakeHost{}

	err = c.Complete(context.Background(), host, Request{ProjectID: "P1", TaskID: "T3", Branch: "feature/t3"})
	if err == nil {
		t.Fatal("expected Complete to return an error on merger agent failure")
	}
	if host.failDelta != 1 || host.doneDelta != 0 {
		t.Fatalf("expected failure counter incremented, got %+v", host)
	}
	if len(host.patches) == 0 || host.patches[len(host.patches)-1].Kanban == nil || *host.patches[len(host.patches)-1].Kanban != taskstore.ColumnBlocked {
		t.Fatalf("expected task transitioned to blocked, got %+v", host.patches)
	}

	out, err := exec.Command("git", "-C", repo, "status", "--porcelain").CombinedOutput()
	if err != nil {
		t.Fatalf("git status: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected clean working tree after merge abort, got: %s", out)
	}
}
