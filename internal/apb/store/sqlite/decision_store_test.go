package sqlite_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sqlitestore "github.com/BrandonDHaskell/antipassback/internal/apb/store/sqlite"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func newDecisionStore(t *testing.T) *sqlitestore.DecisionStore {
	t.Helper()
	conn := openTestDB(t)
	return sqlitestore.NewDecisionStore(conn, newTestWriter(t, conn))
}

func record(n int, user, terminal string, role types.Role, status types.StatusCode, at time.Time) types.DecisionRecord {
	before, after := types.Outside, types.Inside
	if role == types.RoleExit {
		before, after = types.Inside, types.Outside
	}
	return types.DecisionRecord{
		RecordID:     fmt.Sprintf("rec-%d", n),
		UserID:       user,
		TerminalID:   terminal,
		TerminalRole: role,
		AuthMethod:   types.AuthMethodCard,
		EventTime:    at,
		ActionTaken:  status.Action(),
		StatusCode:   status,
		IsViolation:  status == types.StatusDeniedAlreadyInside,
		StateBefore:  before,
		StateAfter:   after,
		DoorOpened:   role == types.RoleEntry && status != types.StatusDeniedAlreadyInside,
		StateVersion: int64(n),
		DecidedAt:    at,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Append
// ═══════════════════════════════════════════════════════════════════════════

func TestDecisionStore_Append_RequiresRecordID(t *testing.T) {
	ds := newDecisionStore(t)
	err := ds.Append(context.Background(), types.DecisionRecord{UserID: "alice"})
	assert.Error(t, err)
}

func TestDecisionStore_Append_SameRecordIDIsNoOp(t *testing.T) {
	ds := newDecisionStore(t)
	ctx := context.Background()

	rec := record(1, "alice", "t-in-1", types.RoleEntry, types.StatusSuccessEntry, day.Add(8*time.Hour))
	require.NoError(t, ds.Append(ctx, rec))
	require.NoError(t, ds.Append(ctx, rec))

	hist, err := ds.History(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, rec, hist[0])
}

// ═══════════════════════════════════════════════════════════════════════════
// History
// ═══════════════════════════════════════════════════════════════════════════

func TestDecisionStore_History_OrderedByStateVersion(t *testing.T) {
	ds := newDecisionStore(t)
	ctx := context.Background()

	// Appended out of order, as an async writer may do.
	r3 := record(3, "alice", "t-in-1", types.RoleEntry, types.StatusSuccessEntry, day.Add(10*time.Hour))
	r1 := record(1, "alice", "t-in-1", types.RoleEntry, types.StatusSuccessEntry, day.Add(8*time.Hour))
	r2 := record(2, "alice", "t-out-1", types.RoleExit, types.StatusSuccessExit, day.Add(9*time.Hour))
	for _, r := range []types.DecisionRecord{r3, r1, r2} {
		require.NoError(t, ds.Append(ctx, r))
	}
	require.NoError(t, ds.Append(ctx, record(4, "bob", "t-in-1", types.RoleEntry, types.StatusSuccessEntry, day)))

	hist, err := ds.History(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, []string{"rec-1", "rec-2", "rec-3"},
		[]string{hist[0].RecordID, hist[1].RecordID, hist[2].RecordID})
}

// ═══════════════════════════════════════════════════════════════════════════
// Violations
// ═══════════════════════════════════════════════════════════════════════════

func TestDecisionStore_Violations_Filter(t *testing.T) {
	ds := newDecisionStore(t)
	ctx := context.Background()

	recs := []types.DecisionRecord{
		record(1, "alice", "t-in-1", types.RoleEntry, types.StatusSuccessEntry, day.Add(8*time.Hour)),
		record(2, "alice", "t-in-1", types.RoleEntry, types.StatusDeniedAlreadyInside, day.Add(9*time.Hour)),
		record(3, "bob", "t-in-2", types.RoleEntry, types.StatusDeniedAlreadyInside, day.Add(10*time.Hour)),
		record(4, "alice", "t-in-2", types.RoleEntry, types.StatusDeniedAlreadyInside, day.Add(30*time.Hour)),
	}
	for _, r := range recs {
		require.NoError(t, ds.Append(ctx, r))
	}

	all, err := ds.Violations(ctx, types.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "rec-4", all[0].RecordID, "newest first")

	sameDay, err := ds.Violations(ctx, types.RecordFilter{From: day, To: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, sameDay, 2)

	alice, err := ds.Violations(ctx, types.RecordFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, alice, 2)
	for _, r := range alice {
		assert.True(t, r.IsViolation)
		assert.False(t, r.DoorOpened)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Stats
// ═══════════════════════════════════════════════════════════════════════════

func TestDecisionStore_Stats(t *testing.T) {
	ds := newDecisionStore(t)
	ctx := context.Background()

	recs := []types.DecisionRecord{
		record(1, "alice", "t-in-1", types.RoleEntry, types.StatusSuccessEntry, day.Add(8*time.Hour)),
		record(2, "alice", "t-in-1", types.RoleEntry, types.StatusDeniedAlreadyInside, day.Add(9*time.Hour)),
		record(3, "bob", "t-in-1", types.RoleEntry, types.StatusSuccessEntry, day.Add(9*time.Hour)),
		record(4, "bob", "t-out-1", types.RoleExit, types.StatusSuccessExit, day.Add(17*time.Hour)),
	}
	for _, r := range recs {
		require.NoError(t, ds.Append(ctx, r))
	}

	st, err := ds.Stats(ctx, types.RecordFilter{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), st.ByStatus[types.StatusSuccessEntry])
	assert.Equal(t, int64(1), st.ByStatus[types.StatusDeniedAlreadyInside])
	assert.Equal(t, int64(1), st.ByStatus[types.StatusSuccessExit])
	assert.Equal(t, map[string]int64{"alice": 1}, st.ViolationsByUser)
	assert.Equal(t, map[string]int64{"t-in-1": 1}, st.ViolationsByTerminal)

	require.Len(t, st.Daily, 2)
	entry := st.Daily[0]
	assert.Equal(t, "2026-03-10", entry.Date)
	assert.Equal(t, types.RoleEntry, entry.Role)
	assert.Equal(t, int64(3), entry.Events)
	assert.Equal(t, int64(2), entry.UniqueUsers)
	assert.Equal(t, int64(2), entry.DoorsOpened)
	assert.Equal(t, types.RoleExit, st.Daily[1].Role)
}

func TestDecisionStore_Stats_DailyUsesFilterLocation(t *testing.T) {
	ds := newDecisionStore(t)
	ctx := context.Background()

	// 22:30 UTC on the 10th is already the 11th at UTC+3.
	late := day.Add(22*time.Hour + 30*time.Minute)
	require.NoError(t, ds.Append(ctx, record(1, "alice", "t-in-1", types.RoleEntry, types.StatusSuccessEntry, late)))
	require.NoError(t, ds.Append(ctx, record(2, "bob", "t-in-1", types.RoleEntry, types.StatusSuccessEntry, day.Add(12*time.Hour))))

	utc, err := ds.Stats(ctx, types.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, utc.Daily, 1)
	assert.Equal(t, "2026-03-10", utc.Daily[0].Date)
	assert.Equal(t, int64(2), utc.Daily[0].Events)

	local, err := ds.Stats(ctx, types.RecordFilter{Location: time.FixedZone("UTC+3", 3*60*60)})
	require.NoError(t, err)
	require.Len(t, local.Daily, 2)
	assert.Equal(t, "2026-03-11", local.Daily[0].Date)
	assert.Equal(t, int64(1), local.Daily[0].Events)
	assert.Equal(t, "2026-03-10", local.Daily[1].Date)
}
