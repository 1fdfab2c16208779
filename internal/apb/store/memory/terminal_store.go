package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

type TerminalStore struct {
	mu   sync.RWMutex
	seen map[string]store.TerminalRecord
}

func NewTerminalStore() *TerminalStore {
	return &TerminalStore{seen: make(map[string]store.TerminalRecord)}
}

func (s *TerminalStore) MarkSeen(_ context.Context, terminalID string, role types.Role, t time.Time) error {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[terminalID] = store.TerminalRecord{TerminalID: terminalID, Role: role, LastSeen: t}
	return nil
}

func (s *TerminalStore) List(_ context.Context) ([]store.TerminalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.TerminalRecord, 0, len(s.seen))
	for _, r := range s.seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TerminalID < out[j].TerminalID })
	return out, nil
}
