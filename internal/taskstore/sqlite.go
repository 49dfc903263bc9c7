package taskstore

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens (and migrates) a SQLite-backed Store. The DSN shape
// mirrors the teacher's internal/db/sqlite.go: WAL journal mode plus a
// busy_timeout so concurrent slot goroutines don't trip SQLITE_BUSY.
func NewSQLiteStore(path string) (Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer, matches teacher's sqlite.go.

	s := &sqlStore{
		db:   db,
		name: "sqlite",
		ph:   func(i int) string { return "?" },
		upsertSessionSQL: `INSERT OR REPLACE INTO sessions
			(task_id, attempt, agent_type, model, started_at, completed_at, status, output_log,
			 git_branch, git_diff, test_results, failure_reason, summary)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		upsertCountersSQL: `INSERT OR REPLACE INTO counters
			(project_id, total_done, total_failed, queue_depth, updated_at) VALUES (?,?,?,?,?)`,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskstore: migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *sqlStore) migrate() error {
	ddl := strings.ReplaceAll(schemaDDL, "{{AUTOINCREMENT}}", "INTEGER PRIMARY KEY AUTOINCREMENT")
	if s.name == "postgres" {
		ddl = strings.ReplaceAll(schemaDDL, "{{AUTOINCREMENT}}", "SERIAL PRIMARY KEY")
	}
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	if s.name == "sqlite" {
		return s.sqliteBestEffortAlters()
	}
	return nil
}

// sqliteBestEffortAlters covers columns added after the original
// CREATE TABLE for a pre-existing database file. SQLite has no
// `ADD COLUMN IF NOT EXISTS`, so the teacher's sqlite.go ignores the
// "duplicate column" error from a plain ALTER; we do the same.
func (s *sqlStore) sqliteBestEffortAlters() error {
	alters := []string{
		`ALTER TABLE tasks ADD COLUMN kanban TEXT NOT NULL DEFAULT 'backlog'`,
		`ALTER TABLE tasks ADD COLUMN block_reason TEXT`,
		`ALTER TABLE tasks ADD COLUMN file_scope TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE tasks ADD COLUMN hil_reply TEXT NOT NULL DEFAULT ''`,
	}
	for _, stmt := range alters {
		_, _ = s.db.Exec(stmt) // best-effort: ignore "duplicate column name"
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if len(s) > 60 {
		return s[:60]
	}
	return s
}
