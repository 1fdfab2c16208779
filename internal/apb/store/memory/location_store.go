package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

// LocationStore keeps user location state in a map.  It is intended for
// tests and dev environments; it never fails.
type LocationStore struct {
	locks *store.KeyedMutex

	mu   sync.RWMutex
	data map[string]types.UserLocationState
}

func NewLocationStore() *LocationStore {
	return &LocationStore{
		locks: store.NewKeyedMutex(),
		data:  make(map[string]types.UserLocationState),
	}
}

func (s *LocationStore) AtomicUpdate(ctx context.Context, userID string, fn store.UpdateFn) (types.UserLocationState, types.UserLocationState, error) {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return types.UserLocationState{}, types.UserLocationState{}, err
	}
	defer unlock()

	s.mu.RLock()
	cur, ok := s.data[userID]
	s.mu.RUnlock()
	if !ok {
		cur = types.NewUserLocationState(userID)
	}

	next := fn(cur)
	next.UserID = userID
	next.Version = cur.Version + 1

	s.mu.Lock()
	s.data[userID] = next
	s.mu.Unlock()

	return cur, next, nil
}

func (s *LocationStore) Get(_ context.Context, userID string) (types.UserLocationState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.data[userID]
	return st, ok, nil
}

func (s *LocationStore) ListInside(_ context.Context) ([]types.InsideUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.InsideUser
	for _, st := range s.data {
		if st.State != types.Inside {
			continue
		}
		out = append(out, types.InsideUser{
			UserID:        st.UserID,
			LastTerminal:  st.LastTerminal,
			LastEventTime: st.LastEventTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *LocationStore) ResetCandidates(_ context.Context, today string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, st := range s.data {
		if st.State == types.Inside && st.LastResetDate < today {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *LocationStore) Ping(context.Context) error { return nil }
