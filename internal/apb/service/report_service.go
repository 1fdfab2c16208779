package service

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

// ReportService answers read-only queries over state and audit log.
type ReportService struct {
	locations store.LocationStore
	decisions store.DecisionStore
	registry  *TerminalRegistry
	handles   HandleSource
	clk       quartz.Clock
}

func NewReportService(
	ls store.LocationStore,
	ds store.DecisionStore,
	reg *TerminalRegistry,
	handles HandleSource,
	clk quartz.Clock,
) *ReportService {
	return &ReportService{locations: ls, decisions: ds, registry: reg, handles: handles, clk: clk}
}

func (r *ReportService) Status(ctx context.Context) (types.StatusReport, error) {
	inside, err := r.locations.ListInside(ctx)
	if err != nil {
		return types.StatusReport{}, fmt.Errorf("status: %w", err)
	}
	terminals, err := r.registry.Terminals(ctx)
	if err != nil {
		return types.StatusReport{}, fmt.Errorf("status: %w", err)
	}
	if r.handles != nil {
		for i := range terminals {
			_, terminals[i].Actuated = r.handles.Handle(terminals[i].TerminalID)
		}
	}
	if inside == nil {
		inside = []types.InsideUser{}
	}
	return types.StatusReport{
		Status:      "running",
		InsideCount: len(inside),
		Inside:      inside,
		Terminals:   terminals,
		ServerTime:  r.clk.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (r *ReportService) Violations(ctx context.Context, f types.RecordFilter) ([]types.DecisionRecord, error) {
	recs, err := r.decisions.Violations(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("violations: %w", err)
	}
	return recs, nil
}

func (r *ReportService) Stats(ctx context.Context, f types.RecordFilter) (types.Stats, error) {
	st, err := r.decisions.Stats(ctx, f)
	if err != nil {
		return types.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// History returns the audit trail of one user in commit order.
func (r *ReportService) History(ctx context.Context, userID string) ([]types.DecisionRecord, error) {
	recs, err := r.decisions.History(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", userID, err)
	}
	return recs, nil
}

// Ping reports whether the location store is reachable.
func (r *ReportService) Ping(ctx context.Context) error {
	return r.locations.Ping(ctx)
}
