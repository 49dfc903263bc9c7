package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tserrors "opensprint/internal/errors"
)

// sqlStore is the Store implementation shared by the SQLite and Postgres
// backends. Only the placeholder syntax and the two upsert statements
// (sessions, counters) differ between engines; everything else is
// identical database/sql usage, mirroring the teacher's internal/db split
// between nearly-parallel SQLiteStore/PostgresStore implementations but
// collapsing the duplication into one dialect-parameterized type.
type sqlStore struct {
	db   *sql.DB
	name string

	// ph returns the ith (1-based) bind parameter marker: "?" for SQLite,
	// "$i" for Postgres.
	ph func(i int) string

	upsertSessionSQL  string
	upsertCountersSQL string
}

func (s *sqlStore) p(i int) string { return s.ph(i) }

// q builds a query by substituting %s verbs in order with placeholders 1..n.
func (s *sqlStore) q(tmpl string, n int) string {
	args := make([]any, n)
	for i := 0; i < n; i++ {
		args[i] = s.p(i + 1)
	}
	return fmt.Sprintf(tmpl, args...)
}

func wrapTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return tserrors.NewStoreError(op, tserrors.Transient, err)
}

func wrapFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return tserrors.NewStoreError(op, tserrors.Fatal, err)
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) CreateTask(ctx context.Context, t Task) error {
	query := s.q(`INSERT INTO tasks
		(id, project_id, title, description, type, status, priority, assignee, complexity,
		 epic_id, test_results, created_at, updated_at, closed_reason, kanban, block_reason, file_scope, hil_reply)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`, 18)
	now := t.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if t.Kanban == "" {
		t.Kanban = ColumnBacklog
	}
	scope, err := marshalFileScope(t.FileScope)
	if err != nil {
		return wrapFatal("CreateTask", err)
	}
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Type), string(t.Status), t.Priority,
		t.Assignee, string(t.Complexity), t.EpicID, t.TestResults, now, now, t.ClosedReason,
		string(t.Kanban), t.BlockReason, scope, t.HILReply)
	if err != nil {
		return wrapTransient("CreateTask", err)
	}
	return nil
}

func marshalFileScope(scope []string) (string, error) {
	if len(scope) == 0 {
		return "", nil
	}
	data, err := json.Marshal(scope)
	if err != nil {
		return "", fmt.Errorf("marshal file_scope: %w", err)
	}
	return string(data), nil
}

func unmarshalFileScope(raw string) []string {
	if raw == "" {
		return nil
	}
	var scope []string
	if err := json.Unmarshal([]byte(raw), &scope); err != nil {
		return nil
	}
	return scope
}

func (s *sqlStore) AddDependency(ctx context.Context, dep Dependency) error {
	query := s.q(`INSERT INTO dependencies (task_id, depends_on, dep_type) VALUES (%s,%s,%s)`, 3)
	_, err := s.db.ExecContext(ctx, query, dep.TaskID, dep.DependsOn, string(dep.Type))
	if err != nil {
		return wrapTransient("AddDependency", err)
	}
	return nil
}

// ListReady is the readiness projection (§4.1): status=open and no open
// `blocks` edge to a task that isn't closed, ordered deterministically.
func (s *sqlStore) ListReady(ctx context.Context, projectID string) ([]Task, error) {
	query := s.q(`SELECT `+taskColumns+` FROM tasks t
		WHERE t.project_id = %s AND t.status = 'open'
		AND NOT EXISTS (
			SELECT 1 FROM dependencies d
			JOIN tasks dep ON dep.id = d.depends_on
			WHERE d.task_id = t.id AND d.dep_type = 'blocks' AND dep.status != 'closed'
		)
		ORDER BY t.priority ASC, t.updated_at ASC, t.id ASC`, 1)

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, wrapTransient("ListReady", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqlStore) Show(ctx context.Context, taskID string) (Task, error) {
	query := s.q(`SELECT `+taskColumns+` FROM tasks t WHERE t.id = %s`, 1)
	row := s.db.QueryRowContext(ctx, query, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, wrapFatal("Show", fmt.Errorf("task %s not found", taskID))
	}
	if err != nil {
		return Task{}, wrapTransient("Show", err)
	}
	return t, nil
}

func (s *sqlStore) GetBlockers(ctx context.Context, taskID string) ([]Task, error) {
	query := s.q(`SELECT `+taskColumns+` FROM tasks t
		JOIN dependencies d ON d.depends_on = t.id
		WHERE d.task_id = %s AND d.dep_type = 'blocks' AND t.status != 'closed'
		ORDER BY t.id ASC`, 1)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, wrapTransient("GetBlockers", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqlStore) ListDependencies(ctx context.Context, taskID string) ([]Task, error) {
	query := s.q(`SELECT `+taskColumns+` FROM tasks t
		JOIN dependencies d ON d.depends_on = t.id
		WHERE d.task_id = %s AND d.dep_type = 'blocks'
		ORDER BY t.id ASC`, 1)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, wrapTransient("ListDependencies", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqlStore) Update(ctx context.Context, taskID string, patch TaskPatch) error {
	var sets []string
	var args []any
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, col+" = "+s.p(len(args)))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	if patch.Assignee != nil {
		add("assignee", *patch.Assignee)
	}
	if patch.Complexity != nil {
		add("complexity", string(*patch.Complexity))
	}
	if patch.TestResults != nil {
		add("test_results", *patch.TestResults)
	}
	if patch.ClosedReason != nil {
		add("closed_reason", *patch.ClosedReason)
	}
	if patch.Kanban != nil {
		add("kanban", string(*patch.Kanban))
	}
	if patch.BlockReason != nil {
		add("block_reason", *patch.BlockReason)
	}
	if patch.FileScope != nil {
		scope, err := marshalFileScope(*patch.FileScope)
		if err != nil {
			return wrapFatal("Update", err)
		}
		add("file_scope", scope)
	}
	if patch.HILReply != nil {
		add("hil_reply", *patch.HILReply)
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", time.Now().UTC())
	// taskID binds last, after the SET values, matching the order of the
	// markers in the query for both "?" and "$n" placeholders.
	args = append(args, taskID)

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = %s`, strings.Join(sets, ", "), s.p(len(args)))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return wrapTransient("Update", err)
	}
	return nil
}

func (s *sqlStore) Comment(ctx context.Context, taskID string, text string) error {
	query := s.q(`INSERT INTO task_comments (task_id, text, created_at) VALUES (%s,%s,%s)`, 3)
	_, err := s.db.ExecContext(ctx, query, taskID, text, time.Now().UTC())
	if err != nil {
		return wrapTransient("Comment", err)
	}
	return nil
}

// SyncForPush and Sync are the Task Store's hooks for reconciling against
// an external plan source. The core does not own plan authoring (§1); a
// no-op commit marks the sync point so callers can tell it ran.
func (s *sqlStore) SyncForPush(ctx context.Context, projectID string) error {
	return s.touchSyncMarker(ctx, projectID, "push")
}

func (s *sqlStore) Sync(ctx context.Context, projectID string) error {
	return s.touchSyncMarker(ctx, projectID, "pull")
}

func (s *sqlStore) touchSyncMarker(ctx context.Context, projectID, direction string) error {
	c, err := s.LoadCounters(ctx, projectID)
	if err != nil {
		return err
	}
	query := s.q(s.upsertCountersSQL, 5)
	_, err = s.db.ExecContext(ctx, query, projectID, c.TotalDone, c.TotalFailed, c.QueueDepth, time.Now().UTC())
	if err != nil {
		return wrapTransient("Sync:"+direction, err)
	}
	return nil
}

func (s *sqlStore) RecordSession(ctx context.Context, sess Session) error {
	query := s.q(s.upsertSessionSQL, 13)
	var completedAt any
	if sess.CompletedAt != nil {
		completedAt = *sess.CompletedAt
	}
	_, err := s.db.ExecContext(ctx, query,
		sess.TaskID, sess.Attempt, sess.AgentType, sess.Model, sess.StartedAt, completedAt,
		string(sess.Status), sess.OutputLog, sess.GitBranch, sess.GitDiff, sess.TestResults,
		sess.FailureReason, sess.Summary)
	if err != nil {
		return wrapTransient("RecordSession", err)
	}
	return nil
}

func (s *sqlStore) LoadSessions(ctx context.Context, taskID string) ([]Session, error) {
	query := s.q(`SELECT task_id, attempt, agent_type, model, started_at, completed_at, status,
		output_log, git_branch, git_diff, test_results, failure_reason, summary
		FROM sessions WHERE task_id = %s ORDER BY attempt ASC`, 1)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, wrapTransient("LoadSessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var completedAt sql.NullTime
		if err := rows.Scan(&sess.TaskID, &sess.Attempt, &sess.AgentType, &sess.Model,
			&sess.StartedAt, &completedAt, &sess.Status, &sess.OutputLog, &sess.GitBranch,
			&sess.GitDiff, &sess.TestResults, &sess.FailureReason, &sess.Summary); err != nil {
			return nil, wrapTransient("LoadSessions", err)
		}
		if completedAt.Valid {
			sess.CompletedAt = &completedAt.Time
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *sqlStore) RecordStat(ctx context.Context, stat AgentStat) error {
	insert := s.q(`INSERT INTO agent_stats
		(project_id, task_id, agent_id, model, attempt, started_at, completed_at, outcome, duration_ms)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s)`, 9)
	if _, err := s.db.ExecContext(ctx, insert, stat.ProjectID, stat.TaskID, stat.AgentID, stat.Model,
		stat.Attempt, stat.StartedAt, stat.CompletedAt, string(stat.Outcome), stat.DurationMS); err != nil {
		return wrapTransient("RecordStat", err)
	}

	// Evict oldest rows beyond the per-project cap (§3.4): LRU by
	// insertion order, i.e. by ascending id.
	evict := s.q(`DELETE FROM agent_stats WHERE project_id = %s AND id NOT IN (
		SELECT id FROM agent_stats WHERE project_id = %s ORDER BY id DESC LIMIT %s)`, 3)
	if _, err := s.db.ExecContext(ctx, evict, stat.ProjectID, stat.ProjectID, MaxAgentStatsPerProject); err != nil {
		return wrapTransient("RecordStat:evict", err)
	}
	return nil
}

func (s *sqlStore) LoadStats(ctx context.Context, projectID string, limit int) ([]AgentStat, error) {
	if limit <= 0 {
		limit = MaxAgentStatsPerProject
	}
	query := s.q(`SELECT id, project_id, task_id, agent_id, model, attempt, started_at,
		completed_at, outcome, duration_ms FROM agent_stats WHERE project_id = %s
		ORDER BY id DESC LIMIT %s`, 2)
	rows, err := s.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, wrapTransient("LoadStats", err)
	}
	defer rows.Close()

	var out []AgentStat
	for rows.Next() {
		var st AgentStat
		if err := rows.Scan(&st.ID, &st.ProjectID, &st.TaskID, &st.AgentID, &st.Model, &st.Attempt,
			&st.StartedAt, &st.CompletedAt, &st.Outcome, &st.DurationMS); err != nil {
			return nil, wrapTransient("LoadStats", err)
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *sqlStore) RecordEvent(ctx context.Context, e EventLogEntry) error {
	query := s.q(`INSERT INTO event_log (project_id, task_id, timestamp, event, data)
		VALUES (%s,%s,%s,%s,%s)`, 5)
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, query, e.ProjectID, e.TaskID, ts, e.Event, e.Data); err != nil {
		return wrapTransient("RecordEvent", err)
	}
	return nil
}

func (s *sqlStore) LoadRecentEvents(ctx context.Context, projectID, event string, limit int) ([]EventLogEntry, error) {
	query := s.q(`SELECT id, project_id, task_id, timestamp, event, data FROM event_log
		WHERE project_id = %s AND event = %s ORDER BY id DESC LIMIT %s`, 3)
	rows, err := s.db.QueryContext(ctx, query, projectID, event, limit)
	if err != nil {
		return nil, wrapTransient("LoadRecentEvents", err)
	}
	defer rows.Close()

	var out []EventLogEntry
	for rows.Next() {
		var ent EventLogEntry
		if err := rows.Scan(&ent.ID, &ent.ProjectID, &ent.TaskID, &ent.Timestamp, &ent.Event, &ent.Data); err != nil {
			return nil, wrapTransient("LoadRecentEvents", err)
		}
		out = append(out, ent)
	}
	return out, nil
}

func (s *sqlStore) LoadCounters(ctx context.Context, projectID string) (Counters, error) {
	query := s.q(`SELECT project_id, total_done, total_failed, queue_depth, updated_at
		FROM counters WHERE project_id = %s`, 1)
	row := s.db.QueryRowContext(ctx, query, projectID)
	var c Counters
	err := row.Scan(&c.ProjectID, &c.TotalDone, &c.TotalFailed, &c.QueueDepth, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return Counters{ProjectID: projectID}, nil
	}
	if err != nil {
		return Counters{}, wrapTransient("LoadCounters", err)
	}
	return c, nil
}

func (s *sqlStore) SaveCounters(ctx context.Context, c Counters) error {
	query := s.q(s.upsertCountersSQL, 5)
	now := c.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, query, c.ProjectID, c.TotalDone, c.TotalFailed, c.QueueDepth, now); err != nil {
		return wrapTransient("SaveCounters", err)
	}
	return nil
}

const taskColumns = `t.id, t.project_id, t.title, t.description, t.type, t.status, t.priority,
	t.assignee, t.complexity, t.epic_id, t.test_results, t.created_at, t.updated_at,
	t.closed_reason, t.kanban, t.block_reason, t.file_scope, t.hil_reply`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var assignee, closedReason, blockReason, fileScope, hilReply sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Type, &t.Status, &t.Priority,
		&assignee, &t.Complexity, &t.EpicID, &t.TestResults, &t.CreatedAt, &t.UpdatedAt,
		&closedReason, &t.Kanban, &blockReason, &fileScope, &hilReply)
	t.Assignee = assignee.String
	t.ClosedReason = closedReason.String
	t.BlockReason = blockReason.String
	t.FileScope = unmarshalFileScope(fileScope.String)
	t.HILReply = hilReply.String
	return t, err
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrapTransient("scanTasks", err)
		}
		out = append(out, t)
	}
	return out, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 2,
	assignee TEXT,
	complexity TEXT NOT NULL DEFAULT 'none',
	epic_id TEXT NOT NULL DEFAULT '',
	test_results TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	closed_reason TEXT,
	kanban TEXT NOT NULL DEFAULT 'backlog',
	block_reason TEXT,
	file_scope TEXT NOT NULL DEFAULT '',
	hil_reply TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks (project_id, status);

CREATE TABLE IF NOT EXISTS dependencies (
	task_id TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	dep_type TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on, dep_type)
);

CREATE TABLE IF NOT EXISTS task_comments (
	task_id TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	task_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	agent_type TEXT NOT NULL,
	model TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	status TEXT NOT NULL,
	output_log TEXT NOT NULL DEFAULT '',
	git_branch TEXT NOT NULL DEFAULT '',
	git_diff TEXT NOT NULL DEFAULT '',
	test_results TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (task_id, attempt)
);

CREATE TABLE IF NOT EXISTS agent_stats (
	id {{AUTOINCREMENT}},
	project_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	model TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	outcome TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_agent_stats_project ON agent_stats (project_id, id DESC);

CREATE TABLE IF NOT EXISTS counters (
	project_id TEXT PRIMARY KEY,
	total_done INTEGER NOT NULL DEFAULT 0,
	total_failed INTEGER NOT NULL DEFAULT 0,
	queue_depth INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS event_log (
	id {{AUTOINCREMENT}},
	project_id TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMP NOT NULL,
	event TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_event_log_project_event ON event_log (project_id, event, id DESC);
`
