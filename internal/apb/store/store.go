package store

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

// ErrStoreUnavailable is returned when the backing persistence could not be
// reached within the retry budget.  Callers must fail closed on it.
var ErrStoreUnavailable = errors.New("location store unavailable")

// UpdateFn computes the next state from the current one.  It runs inside the
// per-user critical section and may be invoked more than once when a
// persistence attempt is retried, so it must be pure.
type UpdateFn func(cur types.UserLocationState) types.UserLocationState

// LocationStore holds one UserLocationState per user.
type LocationStore interface {
	// AtomicUpdate reads the user's state (creating a default Outside state
	// when absent), applies fn and commits the result, all under mutual
	// exclusion scoped to userID.  Every commit bumps Version by one, even
	// when fn returns its input unchanged, so each decision owns a distinct
	// version.
	AtomicUpdate(ctx context.Context, userID string, fn UpdateFn) (old, new types.UserLocationState, err error)

	Get(ctx context.Context, userID string) (types.UserLocationState, bool, error)
	ListInside(ctx context.Context) ([]types.InsideUser, error)

	// ResetCandidates returns users that are Inside with a reset watermark
	// earlier than today.  The result is a hint; callers re-check under the
	// per-user lock.
	ResetCandidates(ctx context.Context, today string) ([]string, error)

	Ping(ctx context.Context) error
}

// DecisionStore is the append-only audit log plus its read side.
type DecisionStore interface {
	Append(ctx context.Context, rec types.DecisionRecord) error
	Violations(ctx context.Context, f types.RecordFilter) ([]types.DecisionRecord, error)
	// History returns a user's records ordered by state version.
	History(ctx context.Context, userID string) ([]types.DecisionRecord, error)
	Stats(ctx context.Context, f types.RecordFilter) (types.Stats, error)
}

// TerminalRecord is the last-seen snapshot of a terminal.
type TerminalRecord struct {
	TerminalID string
	Role       types.Role
	LastSeen   time.Time
}

type TerminalStore interface {
	MarkSeen(ctx context.Context, terminalID string, role types.Role, t time.Time) error
	List(ctx context.Context) ([]TerminalRecord, error)
}
