package taskstore

import "context"

// Store is the Task Store's full contract (§4.1). All methods are safe to
// call from multiple goroutines. Each write is a single statement except
// RecordStat, whose insert and eviction run as two statements outside a
// transaction. RecordSession and SaveCounters are upserts and so are
// idempotent on retry; CreateTask and AddDependency fail on a repeated key,
// and Comment, RecordStat and RecordEvent add another row when retried.
// SyncForPush/Sync take no per-project lock. Every method returns errors wrapped with
// opensprint/internal/errors.StoreError so callers can distinguish
// TRANSIENT from FATAL failures.
type Store interface {
	// CreateTask and AddDependency build the task graph; they are not
	// named in §4.1's operation list but are required to populate the
	// rows listReady projects over.
	CreateTask(ctx context.Context, t Task) error
	AddDependency(ctx context.Context, dep Dependency) error

	// ListReady is the readiness projection (§4.1): status=open AND no
	// open `blocks` edge pointing to a non-done task, ordered by
	// (priority ASC, updated_at ASC, id ASC).
	ListReady(ctx context.Context, projectID string) ([]Task, error)

	Show(ctx context.Context, taskID string) (Task, error)

	// GetBlockers returns the tasks a given task is still waiting on
	// (open `blocks` edges only). Since §3.1/§4.1 readiness requires every
	// `blocks` edge closed before a task is schedulable, this is always
	// empty for a task the Orchestrator is actively running; retained for
	// ad-hoc dependency-status queries (CLI/API inspection of a task still
	// in `open` status) distinct from ListDependencies below.
	GetBlockers(ctx context.Context, taskID string) ([]Task, error)

	// ListDependencies returns every `blocks`-type dependency of a task
	// regardless of the dependency's current status (§4.3's dependency
	// diff resolution needs the full set, not just the still-open ones:
	// a scheduled task's blockers are already closed by definition, so
	// GetBlockers alone would never surface them).
	ListDependencies(ctx context.Context, taskID string) ([]Task, error)

	Update(ctx context.Context, taskID string, patch TaskPatch) error
	Comment(ctx context.Context, taskID string, text string) error

	// SyncForPush and Sync reconcile the store with an external plan
	// source (out of core scope per §1, but the Task Store still exposes
	// the serialization point per project that callers rely on).
	SyncForPush(ctx context.Context, projectID string) error
	Sync(ctx context.Context, projectID string) error

	RecordSession(ctx context.Context, s Session) error
	LoadSessions(ctx context.Context, taskID string) ([]Session, error)

	RecordStat(ctx context.Context, stat AgentStat) error
	LoadStats(ctx context.Context, projectID string, limit int) ([]AgentStat, error)

	// RecordEvent appends an event-log row (§3.7); LoadRecentEvents backs
	// the Merge Coordinator's recentMerges window (§4.6).
	RecordEvent(ctx context.Context, e EventLogEntry) error
	LoadRecentEvents(ctx context.Context, projectID, event string, limit int) ([]EventLogEntry, error)

	LoadCounters(ctx context.Context, projectID string) (Counters, error)
	SaveCounters(ctx context.Context, c Counters) error

	Close() error
}
