// Package taskstore is the Task Store (§2.1, §3.1-3.7, §4.1): durable CRUD
// on tasks, dependencies, sessions, and attempt stats, plus the readiness
// projection the scheduler polls. It is grounded on the teacher's
// internal/db package: same SQLite-first, Postgres-optional storage split,
// same WAL-mode/busy-timeout SQLite DSN, same JSON-blob-for-denormalized-
// data pattern generalized into normalized tables for the task graph.
package taskstore

import "time"

type TaskType string

const (
	TaskTypeEpic TaskType = "epic"
	TaskTypeTask TaskType = "task"
)

type TaskStatus string

const (
	StatusOpen       TaskStatus = "open"
	StatusInProgress TaskStatus = "in_progress"
	StatusClosed     TaskStatus = "closed"
)

type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
	ComplexityNone    Complexity = "none"
)

// KanbanColumn is the derived presentation-level status (§3.1).
type KanbanColumn string

const (
	ColumnPlanning   KanbanColumn = "planning"
	ColumnBacklog    KanbanColumn = "backlog"
	ColumnReady      KanbanColumn = "ready"
	ColumnInProgress KanbanColumn = "in_progress"
	ColumnInReview   KanbanColumn = "in_review"
	ColumnDone       KanbanColumn = "done"
	ColumnBlocked    KanbanColumn = "blocked"
)

type DepType string

const (
	DepBlocks         DepType = "blocks"
	DepDiscoveredFrom DepType = "discovered-from"
)

// Task is the core unit of work (§3.1).
type Task struct {
	ID           string
	ProjectID    string
	Title        string
	Description  string
	Type         TaskType
	Status       TaskStatus
	Priority     int
	Assignee     string
	Complexity   Complexity
	EpicID       string
	TestResults  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ClosedReason string

	// Kanban and BlockReason are maintained by the Orchestrator via Update,
	// not derived on read, so a blocked task survives a restart (§4.7).
	Kanban      KanbanColumn
	BlockReason string

	// FileScope is the task's predicted set of files it will write to,
	// used by the Orchestrator's file-scope overlap check (§4.7 step 3).
	// Empty means "unknown scope": the configured FileScopeStrategy
	// (conservative/optimistic) decides whether it may run alongside
	// other active slots.
	FileScope []string

	// HILReply holds the human's answer to a blocked task's open
	// questions, set by Unblock and consumed (then cleared) by the next
	// coding attempt's context assembly (§4.7 HIL integration).
	HILReply string
}

// Dependency is a directed edge between two tasks (§3.1).
type Dependency struct {
	TaskID    string
	DependsOn string
	Type      DepType
}

// TaskPatch is a partial update applied by Update; nil fields are left
// untouched.
type TaskPatch struct {
	Status       *TaskStatus
	Priority     *int
	Assignee     *string
	Complexity   *Complexity
	TestResults  *string
	ClosedReason *string
	Kanban       *KanbanColumn
	BlockReason  *string
	FileScope    *[]string
	HILReply     *string
}

type SessionStatus string

const (
	SessionRunning  SessionStatus = "running"
	SessionApproved SessionStatus = "approved"
	SessionRejected SessionStatus = "rejected"
	SessionFailed   SessionStatus = "failed"
	SessionCrashed  SessionStatus = "crashed"
)

// Session is one attempt record (§3.3).
type Session struct {
	TaskID        string
	Attempt       int
	AgentType     string
	Model         string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        SessionStatus
	OutputLog     string
	GitBranch     string
	GitDiff       string
	TestResults   string
	FailureReason string
	Summary       string
}

type AgentOutcome string

const (
	OutcomeSuccess         AgentOutcome = "success"
	OutcomeTestFailure     AgentOutcome = "test_failure"
	OutcomeReviewRejection AgentOutcome = "review_rejection"
	OutcomeCrash           AgentOutcome = "crash"
	OutcomeTimeout         AgentOutcome = "timeout"
	OutcomeNoResult        AgentOutcome = "no_result"
	OutcomeCodingFailure   AgentOutcome = "coding_failure"
)

// AgentStat is one row of the capped per-project attempt history (§3.4).
type AgentStat struct {
	ID          int64
	ProjectID   string
	TaskID      string
	AgentID     string
	Model       string
	Attempt     int
	StartedAt   time.Time
	CompletedAt time.Time
	Outcome     AgentOutcome
	DurationMS  int64
}

// MaxAgentStatsPerProject bounds the agent_stats table (§3.4): oldest rows
// are evicted LRU-by-insertion-order once a project exceeds this count.
const MaxAgentStatsPerProject = 500

// Counters is the persisted per-project tally (§3.6).
type Counters struct {
	ProjectID   string
	TotalDone   int
	TotalFailed int
	QueueDepth  int
	UpdatedAt   time.Time
}

// EventLogEntry is one append-only observability row (§3.7).
type EventLogEntry struct {
	ID        int64
	ProjectID string
	TaskID    string
	Timestamp time.Time
	Event     string
	Data      string // JSON
}
