package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Config struct {
	Path string // e.g. "./data/apb.db"

	// BusyTimeout is how long sqlite waits on a locked database before
	// returning SQLITE_BUSY.
	BusyTimeout time.Duration
}

// DSN builds the modernc.org/sqlite connection string with per-connection
// PRAGMAs:
//   - foreign_keys ON
//   - WAL so reporting reads do not block the writer
//   - synchronous NORMAL for performance with good safety
//   - busy_timeout to reduce SQLITE_BUSY under load
func DSN(path string, busy time.Duration) string {
	return fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)",
		path, busy.Milliseconds(),
	)
}

// Open opens the database, verifies it answers and applies migrations.
func Open(ctx context.Context, cfg Config) (*sql.DB, []string, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/apb.db"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(cfg.Path, cfg.BusyTimeout))
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}

	// Single connection: all writes already go through Worker, and sqlite
	// is happiest with one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}

	applied, err := Migrate(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	return db, applied, nil
}
