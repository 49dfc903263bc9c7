// Package orchestrator is the Execution Orchestrator (§2.7, §4.7, §5,
// §7): a single-threaded scheduling loop plus a fixed-size slot table
// drives each ready task through coding, optional review, and merge.
// Grounded on the teacher's internal/runner/orchestrator.go control loop
// (wake-refresh-schedule cycle, path-overlap lock map before starting a
// task) and internal/runner/pool.go's worker concurrency, generalized
// from a fixed worker-pool-plus-channel model to a semaphore-bounded
// slot table since the spec ties concurrency directly to named slots
// that the Merge Coordinator and HIL path both need to address by task
// ID, not just a channel of anonymous work.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"opensprint/internal/config"
	"opensprint/internal/contextassembler"
	"opensprint/internal/eventbus"
	"opensprint/internal/gitworkspace"
	"opensprint/internal/merge"
	"opensprint/internal/retry"
	"opensprint/internal/spawn"
	"opensprint/internal/taskstore"
	"opensprint/internal/telemetry"
)

// slot is one in-memory reservation tying a task to an active worker
// goroutine (§3.5).
type slot struct {
	taskID       string
	fileScope    []string
	unknownScope bool
	attempt      int
	cancel       context.CancelFunc
}

// Orchestrator owns the slot table and scheduling loop for one project.
type Orchestrator struct {
	ProjectID string

	Store     taskstore.Store
	Git       *gitworkspace.Manager
	Assembler *contextassembler.Assembler
	Spawner   spawn.Spawner
	Retry     *retry.Engine
	Merge     *merge.Coordinator
	Bus       *eventbus.Bus
	Config    *config.Config
	Logger    *slog.Logger

	// mu guards the slot table (§5's "scheduler mutex"); all I/O happens
	// outside it.
	mu    sync.Mutex
	slots map[string]*slot
	sem   *semaphore.Weighted

	nudgeCh chan struct{}
	wg      sync.WaitGroup
}

func New(cfg *config.Config, projectID string, store taskstore.Store, git *gitworkspace.Manager, assembler *contextassembler.Assembler, spawner spawn.Spawner, retryEngine *retry.Engine, mergeCoord *merge.Coordinator, bus *eventbus.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.MaxConcurrentCoders
	if capacity <= 0 {
		capacity = 1
	}
	return &Orchestrator{
		ProjectID: projectID,
		Store:     store,
		Git:       git,
		Assembler: assembler,
		Spawner:   spawner,
		Retry:     retryEngine,
		Merge:     mergeCoord,
		Bus:       bus,
		Config:    cfg,
		Logger:    logger,
		slots:     make(map[string]*slot),
		sem:       semaphore.NewWeighted(int64(capacity)),
		// Buffered by one so a nudge fired while the loop is mid-tick
		// isn't lost (§4.7 step 1).
		nudgeCh: make(chan struct{}, 1),
	}
}

// Nudge wakes the scheduling loop without blocking the caller.
func (o *Orchestrator) Nudge() {
	select {
	case o.nudgeCh <- struct{}{}:
	default:
	}
}

// Run drives the scheduling loop until ctx is cancelled, then shuts down
// (§4.7 "Shutdown").
func (o *Orchestrator) Run(ctx context.Context) error {
	pollEvery := time.Duration(o.Config.ForcedPollSeconds) * time.Second
	if pollEvery <= 0 {
		pollEvery = 30 * time.Second
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	o.Logger.Info("orchestrator: scheduling loop started", "project", o.ProjectID, "maxConcurrentCoders", o.Config.MaxConcurrentCoders)
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-o.nudgeCh:
			o.schedule(ctx)
		case <-ticker.C:
			o.schedule(ctx)
		}
	}
}

// schedule fills every free slot it can from one listReady snapshot
// (§4.7 steps 2-4, §5's "one snapshot per scheduler tick").
func (o *Orchestrator) schedule(ctx context.Context) {
	ready, err := o.Store.ListReady(ctx, o.ProjectID)
	if err != nil {
		o.Logger.Warn("orchestrator: listReady failed", "error", err)
		return
	}
	telemetry.SetQueueDepth(o.ProjectID, len(ready))

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, task := range ready {
		if _, active := o.slots[task.ID]; active {
			continue
		}
		if !o.sem.TryAcquire(1) {
			break
		}
		if !o.canStartLocked(task) {
			o.sem.Release(1)
			telemetry.TrackFileScopeConflict(o.ProjectID)
			continue
		}

		slotCtx, cancel := context.WithCancel(context.Background())
		s := &slot{
			taskID:       task.ID,
			fileScope:    task.FileScope,
			unknownScope: len(task.FileScope) == 0,
			attempt:      1,
			cancel:       cancel,
		}
		o.slots[task.ID] = s
		telemetry.SetActiveSlots(o.ProjectID, len(o.slots))

		o.wg.Add(1)
		go func(t taskstore.Task) {
			defer o.wg.Done()
			defer o.sem.Release(1)
			o.runTask(slotCtx, t)
		}(task)
	}
}

// canStartLocked implements §4.7 step 3's file-scope overlap check. The
// caller must hold o.mu. A task with an unknown scope under the
// conservative strategy may only start when no other slot is active; the
// optimistic strategy never blocks an unknown-scope task. A task with a
// known scope may not start if any active slot's known scope overlaps
// it, or if any active unknown-scope slot is running under the
// conservative strategy (which claims the whole tree while it runs).
func (o *Orchestrator) canStartLocked(task taskstore.Task) bool {
	if len(o.slots) == 0 {
		return true
	}
	conservative := o.Config.FileScopeStrategy != "optimistic"

	if len(task.FileScope) == 0 {
		return !conservative
	}
	for _, s := range o.slots {
		if s.unknownScope {
			if conservative {
				return false
			}
			continue
		}
		if pathsOverlap(task.FileScope, s.fileScope) {
			return false
		}
	}
	return true
}

func pathsOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func (o *Orchestrator) releaseSlot(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.slots, taskID)
	telemetry.SetActiveSlots(o.ProjectID, len(o.slots))
}

// ReleaseSlot implements merge.Host.
func (o *Orchestrator) ReleaseSlot(taskID string) { o.releaseSlot(taskID) }

// TransitionTask implements merge.Host: applies patch and emits
// task.updated.
func (o *Orchestrator) TransitionTask(ctx context.Context, taskID string, patch taskstore.TaskPatch, reason string) error {
	if err := o.Store.Update(ctx, taskID, patch); err != nil {
		return fmt.Errorf("orchestrator: update %s: %w", taskID, err)
	}
	evt := eventbus.TaskUpdated{TaskID: taskID}
	if patch.Status != nil {
		evt.Status = string(*patch.Status)
	}
	if patch.BlockReason != nil {
		evt.BlockReason = *patch.BlockReason
	}
	o.Bus.Publish(ctx, eventbus.TopicTaskUpdated, evt)
	return nil
}

// PersistCounters implements merge.Host.
func (o *Orchestrator) PersistCounters(ctx context.Context, projectID string, doneDelta, failedDelta int) error {
	counters, err := o.Store.LoadCounters(ctx, projectID)
	if err != nil {
		return fmt.Errorf("orchestrator: loadCounters: %w", err)
	}
	counters.ProjectID = projectID
	counters.TotalDone += doneDelta
	counters.TotalFailed += failedDelta
	counters.UpdatedAt = time.Now()
	if err := o.Store.SaveCounters(ctx, counters); err != nil {
		return fmt.Errorf("orchestrator: saveCounters: %w", err)
	}
	return nil
}

// shutdown cancels every in-flight slot, waits for its worker to record
// a crashed session and release the slot, then reads the project's
// counters back from the store (§4.7's shutdown contract). Counters are
// written through PersistCounters on every change, so no write is pending
// here.
func (o *Orchestrator) shutdown() {
	o.Logger.Info("orchestrator: shutting down", "project", o.ProjectID)
	o.mu.Lock()
	for _, s := range o.slots {
		s.cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()

	if _, err := o.Store.LoadCounters(context.Background(), o.ProjectID); err != nil {
		o.Logger.Warn("orchestrator: failed to flush counters on shutdown", "error", err)
	}
}

func statusPtr(s taskstore.TaskStatus) *taskstore.TaskStatus    { return &s }
func kanbanPtr(k taskstore.KanbanColumn) *taskstore.KanbanColumn { return &k }
