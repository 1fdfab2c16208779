package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
	dbpkg "github.com/BrandonDHaskell/antipassback/internal/db"
)

// LocationStore persists user location state in the user_locations table.
// Per-user exclusion is held in process by a KeyedMutex for the whole
// read-decide-write, and the read and write share one transaction on the
// db Worker.
type LocationStore struct {
	db      *sql.DB
	writer  *dbpkg.Worker
	locks   *store.KeyedMutex
	retrier *store.Retrier
}

func NewLocationStore(db *sql.DB, writer *dbpkg.Worker, retrier *store.Retrier) *LocationStore {
	if retrier == nil {
		retrier = store.NewRetrier(store.DefaultRetryPolicy(), nil)
	}
	return &LocationStore{
		db:      db,
		writer:  writer,
		locks:   store.NewKeyedMutex(),
		retrier: retrier,
	}
}

func (s *LocationStore) AtomicUpdate(ctx context.Context, userID string, fn store.UpdateFn) (types.UserLocationState, types.UserLocationState, error) {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return types.UserLocationState{}, types.UserLocationState{}, err
	}
	defer unlock()

	var old, next types.UserLocationState
	err = s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
			cur, found, err := scanLocation(tx.QueryRowContext(ctx, selectLocation+` WHERE user_id = ?;`, userID))
			if err != nil {
				return fmt.Errorf("AtomicUpdate read %s: %w", userID, err)
			}
			if !found {
				cur = types.NewUserLocationState(userID)
			}

			n := fn(cur)
			n.UserID = userID
			if !n.State.Valid() {
				return fmt.Errorf("AtomicUpdate %s: invalid state %q", userID, n.State)
			}
			n.Version = cur.Version + 1

			if err := upsertLocation(ctx, tx, n, time.Now().UTC().UnixMilli()); err != nil {
				return fmt.Errorf("AtomicUpdate write %s: %w", userID, err)
			}
			old, next = cur, n
			return nil
		})
	})
	if err != nil {
		return types.UserLocationState{}, types.UserLocationState{}, err
	}
	return old, next, nil
}

func (s *LocationStore) Get(ctx context.Context, userID string) (types.UserLocationState, bool, error) {
	st, found, err := scanLocation(s.db.QueryRowContext(ctx, selectLocation+` WHERE user_id = ?;`, userID))
	if err != nil {
		return types.UserLocationState{}, false, fmt.Errorf("Get %s: %w", userID, err)
	}
	return st, found, nil
}

func (s *LocationStore) ListInside(ctx context.Context) ([]types.InsideUser, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, COALESCE(last_terminal, ''), last_event_at_ms
FROM user_locations
WHERE state = 'inside'
ORDER BY user_id;
`)
	if err != nil {
		return nil, fmt.Errorf("ListInside: %w", err)
	}
	defer rows.Close()

	var out []types.InsideUser
	for rows.Next() {
		var (
			u       types.InsideUser
			eventMs sql.NullInt64
		)
		if err := rows.Scan(&u.UserID, &u.LastTerminal, &eventMs); err != nil {
			return nil, fmt.Errorf("ListInside scan: %w", err)
		}
		u.LastEventTime = fromMillis(eventMs)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *LocationStore) ResetCandidates(ctx context.Context, today string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id FROM user_locations
WHERE state = 'inside' AND last_reset_date < ?
ORDER BY user_id;
`, today)
	if err != nil {
		return nil, fmt.Errorf("ResetCandidates: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ResetCandidates scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *LocationStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectLocation = `
SELECT user_id, state, COALESCE(last_terminal, ''), last_event_at_ms,
       last_entry_auth_at_ms, last_reset_date, version
FROM user_locations`

func scanLocation(row *sql.Row) (types.UserLocationState, bool, error) {
	var (
		st          types.UserLocationState
		state       string
		eventMs     sql.NullInt64
		entryAuthMs sql.NullInt64
	)
	err := row.Scan(&st.UserID, &state, &st.LastTerminal, &eventMs, &entryAuthMs, &st.LastResetDate, &st.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return types.UserLocationState{}, false, nil
	}
	if err != nil {
		return types.UserLocationState{}, false, err
	}

	p, err := types.ParsePresence(state)
	if err != nil {
		return types.UserLocationState{}, false, err
	}
	st.State = p
	st.LastEventTime = fromMillis(eventMs)
	st.LastEntryAuthTime = fromMillis(entryAuthMs)
	return st, true, nil
}

func upsertLocation(ctx context.Context, tx *sql.Tx, st types.UserLocationState, nowMs int64) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO user_locations(
  user_id, state, last_terminal, last_event_at_ms, last_entry_auth_at_ms,
  last_reset_date, version, created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
  state                 = excluded.state,
  last_terminal         = excluded.last_terminal,
  last_event_at_ms      = excluded.last_event_at_ms,
  last_entry_auth_at_ms = excluded.last_entry_auth_at_ms,
  last_reset_date       = excluded.last_reset_date,
  version               = excluded.version,
  updated_at_ms         = excluded.updated_at_ms;
`,
		st.UserID, string(st.State), nullString(st.LastTerminal), toMillis(st.LastEventTime),
		toMillis(st.LastEntryAuthTime), st.LastResetDate, st.Version, nowMs, nowMs,
	)
	return err
}
