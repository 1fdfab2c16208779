package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

var (
	ErrUnknownTerminal      = errors.New("unknown terminal")
	ErrInvalidTerminalTable = errors.New("invalid terminal role table")
)

// TerminalTable is the static role configuration.
type TerminalTable struct {
	Entry []string
	Exit  []string
}

// TerminalRegistry resolves terminal roles from the configured table and
// tracks when each terminal last reported.
type TerminalRegistry struct {
	roles map[string]types.Role
	store store.TerminalStore
	log   *zap.Logger
}

func NewTerminalRegistry(table TerminalTable, st store.TerminalStore, log *zap.Logger) (*TerminalRegistry, error) {
	roles := make(map[string]types.Role, len(table.Entry)+len(table.Exit))
	add := func(id string, role types.Role) error {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("%w: blank terminal id", ErrInvalidTerminalTable)
		}
		if prev, ok := roles[id]; ok && prev != role {
			return fmt.Errorf("%w: terminal %q is both %s and %s", ErrInvalidTerminalTable, id, prev, role)
		}
		roles[id] = role
		return nil
	}
	for _, id := range table.Entry {
		if err := add(id, types.RoleEntry); err != nil {
			return nil, err
		}
	}
	for _, id := range table.Exit {
		if err := add(id, types.RoleExit); err != nil {
			return nil, err
		}
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: no terminals configured", ErrInvalidTerminalTable)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TerminalRegistry{roles: roles, store: st, log: log}, nil
}

// Resolve returns the configured role of terminalID.
func (r *TerminalRegistry) Resolve(terminalID string) (types.Role, error) {
	role, ok := r.roles[strings.TrimSpace(terminalID)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTerminal, terminalID)
	}
	return role, nil
}

// NoteSeen records that terminalID reported at t.  Failures are logged and
// never affect the decision.
func (r *TerminalRegistry) NoteSeen(ctx context.Context, terminalID string, role types.Role, t time.Time) {
	if r.store == nil {
		return
	}
	if err := r.store.MarkSeen(ctx, terminalID, role, t); err != nil {
		r.log.Warn("terminal last-seen update failed",
			zap.String("terminal_id", terminalID), zap.Error(err))
	}
}

// Terminals lists every configured terminal with its last-seen time.
// Actuated is left for the caller to fill in.
func (r *TerminalRegistry) Terminals(ctx context.Context) ([]types.TerminalStatus, error) {
	seen := make(map[string]time.Time)
	if r.store != nil {
		recs, err := r.store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list terminals: %w", err)
		}
		for _, rec := range recs {
			seen[rec.TerminalID] = rec.LastSeen
		}
	}

	out := make([]types.TerminalStatus, 0, len(r.roles))
	for id, role := range r.roles {
		out = append(out, types.TerminalStatus{TerminalID: id, Role: role, LastSeen: seen[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TerminalID < out[j].TerminalID })
	return out, nil
}
