package taskstore

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgresStore opens (and migrates) a Postgres-backed Store. Grounded
// on the teacher's internal/db/postgres.go: lib/pq driver, $1,$2,...
// placeholders, ON CONFLICT upserts, IF NOT EXISTS migrations throughout.
func NewPostgresStore(dsn string) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open postgres: %w", err)
	}

	s := &sqlStore{
		db:   db,
		name: "postgres",
		ph:   func(i int) string { return fmt.Sprintf("$%d", i) },
		upsertSessionSQL: `INSERT INTO sessions
			(task_id, attempt, agent_type, model, started_at, completed_at, status, output_log,
			 git_branch, git_diff, test_results, failure_reason, summary)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (task_id, attempt) DO UPDATE SET
				agent_type = EXCLUDED.agent_type, model = EXCLUDED.model,
				started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at,
				status = EXCLUDED.status, output_log = EXCLUDED.output_log,
				git_branch = EXCLUDED.git_branch, git_diff = EXCLUDED.git_diff,
				test_results = EXCLUDED.test_results, failure_reason = EXCLUDED.failure_reason,
				summary = EXCLUDED.summary`,
		upsertCountersSQL: `INSERT INTO counters
			(project_id, total_done, total_failed, queue_depth, updated_at) VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (project_id) DO UPDATE SET
				total_done = EXCLUDED.total_done, total_failed = EXCLUDED.total_failed,
				queue_depth = EXCLUDED.queue_depth, updated_at = EXCLUDED.updated_at`,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskstore: migrate postgres: %w", err)
	}
	return s, nil
}
