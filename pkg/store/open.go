package store

import (
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Open picks the store variant from the configured database URL. It is
// meant to run once at startup; the returned store is shared by every
// request for the life of the process.
//
//   - empty URL: in-memory store (degraded mode, data lost on restart)
//   - "sqlite:<path>" or "file:<path>": GORM over SQLite
//   - anything else must parse as a Postgres URL or DSN; a malformed
//     value falls back to the in-memory store
//
// A well-formed Postgres URL that cannot be reached is a startup error.
func Open(databaseURL string, logger *slog.Logger) (Store, Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		logger.Warn("no database configured, using in-memory store; data will not survive a restart")
		return NewMemoryStore(), BackendMemory, nil
	}

	if path, ok := sqlitePath(databaseURL); ok {
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, "", err
		}
		logger.Info("store ready", "backend", BackendSQLite, "path", path)
		return s, BackendSQLite, nil
	}

	if _, err := pgx.ParseConfig(databaseURL); err != nil {
		logger.Warn("database url is malformed, using in-memory store", "err", err)
		return NewMemoryStore(), BackendMemory, nil
	}
	s, err := NewPostgresStore(databaseURL)
	if err != nil {
		return nil, "", err
	}
	logger.Info("store ready", "backend", BackendPostgres)
	return s, BackendPostgres, nil
}

func sqlitePath(databaseURL string) (string, bool) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return strings.TrimPrefix(databaseURL, "sqlite://"), true
	case strings.HasPrefix(databaseURL, "sqlite:"):
		return strings.TrimPrefix(databaseURL, "sqlite:"), true
	case strings.HasPrefix(databaseURL, "file:"):
		return databaseURL, true
	default:
		return "", false
	}
}
