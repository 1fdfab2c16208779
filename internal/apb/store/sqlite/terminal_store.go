package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
	dbpkg "github.com/BrandonDHaskell/antipassback/internal/db"
)

type TerminalStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewTerminalStore(db *sql.DB, writer *dbpkg.Worker) *TerminalStore {
	return &TerminalStore{db: db, writer: writer}
}

// MarkSeen upserts the terminal row and moves last_seen forward.
func (s *TerminalStore) MarkSeen(ctx context.Context, terminalID string, role types.Role, t time.Time) error {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return nil
	}
	if t.IsZero() {
		t = time.Now().UTC()
	}
	ms := t.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO terminals(terminal_id, role, last_seen_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(terminal_id) DO UPDATE SET
  role            = excluded.role,
  last_seen_at_ms = MAX(terminals.last_seen_at_ms, excluded.last_seen_at_ms),
  updated_at_ms   = excluded.updated_at_ms;
`, terminalID, string(role), ms, time.Now().UTC().UnixMilli()); err != nil {
			return fmt.Errorf("MarkSeen %s: %w", terminalID, err)
		}
		return nil
	})
}

func (s *TerminalStore) List(ctx context.Context) ([]store.TerminalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT terminal_id, role, last_seen_at_ms FROM terminals ORDER BY terminal_id;
`)
	if err != nil {
		return nil, fmt.Errorf("List terminals: %w", err)
	}
	defer rows.Close()

	var out []store.TerminalRecord
	for rows.Next() {
		var (
			r    store.TerminalRecord
			role string
			ms   int64
		)
		if err := rows.Scan(&r.TerminalID, &role, &ms); err != nil {
			return nil, fmt.Errorf("List terminals scan: %w", err)
		}
		r.Role = types.Role(role)
		r.LastSeen = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
