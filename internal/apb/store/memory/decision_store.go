package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

// DecisionStore is an in-memory append-only log of access decisions.
// It is intended for use in tests and dev environments.
type DecisionStore struct {
	mu      sync.Mutex
	records []types.DecisionRecord
}

func NewDecisionStore() *DecisionStore {
	return &DecisionStore{}
}

var _ store.DecisionStore = (*DecisionStore)(nil)

func (s *DecisionStore) Append(_ context.Context, rec types.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of all appended records.  Test-only helper.
func (s *DecisionStore) Records() []types.DecisionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DecisionRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *DecisionStore) Violations(_ context.Context, f types.RecordFilter) ([]types.DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.DecisionRecord
	for _, rec := range s.records {
		if rec.IsViolation && f.Matches(rec) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventTime.After(out[j].EventTime) })
	return out, nil
}

func (s *DecisionStore) History(_ context.Context, userID string) ([]types.DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.DecisionRecord
	for _, rec := range s.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StateVersion < out[j].StateVersion })
	return out, nil
}

func (s *DecisionStore) Stats(_ context.Context, f types.RecordFilter) (types.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := types.NewStats()
	daily := types.NewDailyTally(f.Location)

	for _, rec := range s.records {
		if !f.Matches(rec) {
			continue
		}
		st.ByStatus[rec.StatusCode]++
		if rec.IsViolation {
			st.ViolationsByUser[rec.UserID]++
			st.ViolationsByTerminal[rec.TerminalID]++
		}
		daily.Add(rec.EventTime, rec.TerminalRole, rec.UserID, rec.DoorOpened)
	}

	st.Daily = daily.Rows()
	return st, nil
}
