package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
	dbpkg "github.com/BrandonDHaskell/antipassback/internal/db"
)

// DecisionStore is the append-only decision_records table.
type DecisionStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDecisionStore(db *sql.DB, writer *dbpkg.Worker) *DecisionStore {
	return &DecisionStore{db: db, writer: writer}
}

func (s *DecisionStore) Append(ctx context.Context, rec types.DecisionRecord) error {
	if rec.RecordID == "" {
		return fmt.Errorf("Append: record_id is required")
	}
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now().UTC()
	}
	if rec.EventTime.IsZero() {
		rec.EventTime = rec.DecidedAt
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// A retried append whose first attempt committed is a no-op.
		if _, err := tx.ExecContext(ctx, `
INSERT INTO decision_records(
  record_id, user_id, terminal_id, terminal_role, auth_method, event_at_ms,
  action_taken, status_code, is_violation, state_before, state_after,
  door_opened, state_version, decided_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(record_id) DO NOTHING;
`,
			rec.RecordID, rec.UserID, rec.TerminalID, string(rec.TerminalRole), int(rec.AuthMethod),
			rec.EventTime.UTC().UnixMilli(), rec.ActionTaken, string(rec.StatusCode),
			boolInt(rec.IsViolation), string(rec.StateBefore), string(rec.StateAfter),
			boolInt(rec.DoorOpened), rec.StateVersion, rec.DecidedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("Append insert: %w", err)
		}
		return nil
	})
}

// Violations returns violation records, newest first.
func (s *DecisionStore) Violations(ctx context.Context, f types.RecordFilter) ([]types.DecisionRecord, error) {
	where, args := filterClause(f, "is_violation = 1")
	rows, err := s.db.QueryContext(ctx, selectRecord+where+`
ORDER BY event_at_ms DESC, id DESC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("Violations: %w", err)
	}
	defer rows.Close()

	var out []types.DecisionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("Violations scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// History returns every record for a user in commit order.
func (s *DecisionStore) History(ctx context.Context, userID string) ([]types.DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+`
WHERE user_id = ?
ORDER BY state_version, id;`, userID)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	defer rows.Close()

	var out []types.DecisionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("History scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *DecisionStore) Stats(ctx context.Context, f types.RecordFilter) (types.Stats, error) {
	st := types.NewStats()
	where, args := filterClause(f)

	if err := s.countInto(ctx, `SELECT status_code, COUNT(*) FROM decision_records`+where+` GROUP BY status_code;`, args,
		func(k string, n int64) { st.ByStatus[types.StatusCode(k)] = n }); err != nil {
		return types.Stats{}, fmt.Errorf("Stats by status: %w", err)
	}

	vwhere, vargs := filterClause(f, "is_violation = 1")
	if err := s.countInto(ctx, `SELECT user_id, COUNT(*) FROM decision_records`+vwhere+` GROUP BY user_id;`, vargs,
		func(k string, n int64) { st.ViolationsByUser[k] = n }); err != nil {
		return types.Stats{}, fmt.Errorf("Stats by user: %w", err)
	}
	if err := s.countInto(ctx, `SELECT terminal_id, COUNT(*) FROM decision_records`+vwhere+` GROUP BY terminal_id;`, vargs,
		func(k string, n int64) { st.ViolationsByTerminal[k] = n }); err != nil {
		return types.Stats{}, fmt.Errorf("Stats by terminal: %w", err)
	}

	// Day buckets follow f.Location, DST included.
	rows, err := s.db.QueryContext(ctx, `
SELECT event_at_ms, terminal_role, user_id, door_opened
FROM decision_records`+where+`;`, args...)
	if err != nil {
		return types.Stats{}, fmt.Errorf("Stats daily: %w", err)
	}
	defer rows.Close()

	daily := types.NewDailyTally(f.Location)
	for rows.Next() {
		var (
			atMs         int64
			role, userID string
			door         int
		)
		if err := rows.Scan(&atMs, &role, &userID, &door); err != nil {
			return types.Stats{}, fmt.Errorf("Stats daily scan: %w", err)
		}
		daily.Add(time.UnixMilli(atMs), types.Role(role), userID, door == 1)
	}
	if err := rows.Err(); err != nil {
		return types.Stats{}, err
	}
	st.Daily = daily.Rows()
	return st, nil
}

func (s *DecisionStore) countInto(ctx context.Context, q string, args []any, put func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int64
		)
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		put(k, n)
	}
	return rows.Err()
}

// filterClause renders f (plus any fixed conditions) as a WHERE clause.
func filterClause(f types.RecordFilter, fixed ...string) (string, []any) {
	conds := append([]string(nil), fixed...)
	var args []any
	if !f.From.IsZero() {
		conds = append(conds, "event_at_ms >= ?")
		args = append(args, f.From.UTC().UnixMilli())
	}
	if !f.To.IsZero() {
		conds = append(conds, "event_at_ms < ?")
		args = append(args, f.To.UTC().UnixMilli())
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "\nWHERE " + strings.Join(conds, " AND "), args
}

const selectRecord = `
SELECT record_id, user_id, terminal_id, terminal_role, auth_method, event_at_ms,
       action_taken, status_code, is_violation, state_before, state_after,
       door_opened, state_version, decided_at_ms
FROM decision_records`

func scanRecord(rows *sql.Rows) (types.DecisionRecord, error) {
	var (
		rec                         types.DecisionRecord
		role, status, before, after string
		auth                        int
		eventMs, decidedMs          int64
		violation, door             int
	)
	if err := rows.Scan(&rec.RecordID, &rec.UserID, &rec.TerminalID, &role, &auth, &eventMs,
		&rec.ActionTaken, &status, &violation, &before, &after, &door, &rec.StateVersion, &decidedMs); err != nil {
		return types.DecisionRecord{}, err
	}
	rec.TerminalRole = types.Role(role)
	rec.AuthMethod = types.AuthMethod(auth)
	rec.EventTime = time.UnixMilli(eventMs).UTC()
	rec.DecidedAt = time.UnixMilli(decidedMs).UTC()
	rec.StatusCode = types.StatusCode(status)
	rec.IsViolation = violation == 1
	rec.DoorOpened = door == 1
	rec.StateBefore = types.Presence(before)
	rec.StateAfter = types.Presence(after)
	return rec, nil
}
