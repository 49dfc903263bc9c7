package taskstore

import (
	"fmt"
	"strings"
)

// StoreConfig selects and configures a Store backend.
type StoreConfig struct {
	Type             string
	ConnectionString string
}

// NewStore dispatches to the configured backend, grounded on the teacher's
// internal/db/factory.go dispatch. An unset type falls back to a local
// SQLite file, same default-on-empty-config behavior as the teacher; an
// unknown type is an error.
func NewStore(cfg StoreConfig) (Store, error) {
	path := cfg.ConnectionString
	if path == "" {
		path = ".opensprint.db"
	}

	switch strings.ToLower(cfg.Type) {
	case "", "sqlite", "sqlite3":
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(cfg.ConnectionString)
	default:
		return nil, fmt.Errorf("taskstore: unknown store type %q", cfg.Type)
	}
}
