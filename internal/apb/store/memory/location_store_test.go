package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
	"github.com/BrandonDHaskell/antipassback/internal/apb/store/memory"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

func TestLocationStore_AtomicUpdate_CreatesDefaultOutside(t *testing.T) {
	s := memory.NewLocationStore()

	var seen types.UserLocationState
	old, next, err := s.AtomicUpdate(context.Background(), "alice", func(cur types.UserLocationState) types.UserLocationState {
		seen = cur
		return cur
	})
	require.NoError(t, err)

	assert.Equal(t, types.Outside, seen.State)
	assert.Equal(t, "alice", seen.UserID)
	assert.Equal(t, old.State, next.State)
	assert.Equal(t, int64(1), next.Version)

	_, ok, err := s.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, ok, "first observation creates the record")
}

func TestLocationStore_AtomicUpdate_BumpsVersionOnEveryCommit(t *testing.T) {
	s := memory.NewLocationStore()
	ctx := context.Background()

	toInside := func(cur types.UserLocationState) types.UserLocationState {
		cur.State = types.Inside
		return cur
	}

	_, n1, err := s.AtomicUpdate(ctx, "alice", toInside)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n1.Version)

	// An update that leaves the fields alone still counts as a commit, so
	// every decision gets its own version.
	o2, n2, err := s.AtomicUpdate(ctx, "alice", toInside)
	require.NoError(t, err)
	assert.Equal(t, int64(1), o2.Version)
	assert.Equal(t, int64(2), n2.Version)
	assert.Equal(t, types.Inside, n2.State)
}

func TestLocationStore_AtomicUpdate_ConcurrentIncrementsAreNotLost(t *testing.T) {
	s := memory.NewLocationStore()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.AtomicUpdate(ctx, "alice", func(cur types.UserLocationState) types.UserLocationState {
				// Toggle so every call is a real change.
				if cur.State == types.Inside {
					cur.State = types.Outside
				} else {
					cur.State = types.Inside
				}
				return cur
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, ok, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(n), st.Version)
	assert.Equal(t, types.Outside, st.State, "an even number of toggles ends outside")
}

func TestLocationStore_ResetCandidatesAndListInside(t *testing.T) {
	s := memory.NewLocationStore()
	ctx := context.Background()

	set := func(id string, p types.Presence, resetDate string) {
		_, _, err := s.AtomicUpdate(ctx, id, func(cur types.UserLocationState) types.UserLocationState {
			cur.State = p
			cur.LastResetDate = resetDate
			cur.LastTerminal = "t-in-1"
			return cur
		})
		require.NoError(t, err)
	}
	set("alice", types.Inside, "")
	set("bob", types.Inside, "2026-03-10")
	set("carol", types.Outside, "")
	set("dave", types.Inside, "2026-03-09")

	ids, err := s.ResetCandidates(ctx, "2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "dave"}, ids)

	inside, err := s.ListInside(ctx)
	require.NoError(t, err)
	require.Len(t, inside, 3)
	assert.Equal(t, "alice", inside[0].UserID)
	assert.Equal(t, "t-in-1", inside[0].LastTerminal)
}

func TestLocationStore_AtomicUpdate_WaitHonorsDeadline(t *testing.T) {
	s := memory.NewLocationStore()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = s.AtomicUpdate(context.Background(), "alice", func(cur types.UserLocationState) types.UserLocationState {
			close(entered)
			<-release
			return cur
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := s.AtomicUpdate(ctx, "alice", func(cur types.UserLocationState) types.UserLocationState {
		t.Error("fn ran for a caller that never held the lock")
		return cur
	})
	took := time.Since(start)
	close(release)
	<-done

	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Less(t, took, 500*time.Millisecond)

	st, _, err := s.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)
}
