// Package service wires the anti-passback engine to its stores, the door
// actuators and the audit log.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/antipassback/internal/apb/engine"
	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
	"github.com/BrandonDHaskell/antipassback/internal/metrics"
)

var (
	ErrInvalidUserID     = errors.New("user_id is required")
	ErrInvalidTerminalID = errors.New("terminal_id is required")
)

// Dispatcher starts a door-open job without blocking.  *DoorGate
// implements it.
type Dispatcher interface {
	Dispatch(terminalID string) bool
}

type AccessConfig struct {
	EntryWindow time.Duration
	// AuthMethods lists the sub-event codes that are decided; anything
	// else is acknowledged and ignored.
	AuthMethods []types.AuthMethod
}

// AccessDeps are the collaborators of an AccessService.
type AccessDeps struct {
	Registry  *TerminalRegistry
	Locations store.LocationStore
	Audit     RecordSink
	Gate      Dispatcher
	Clock     quartz.Clock
	Log       *zap.Logger
	Metrics   *metrics.Metrics
}

type AccessService struct {
	AccessDeps
	window  time.Duration
	allowed map[types.AuthMethod]struct{}
}

func NewAccessService(deps AccessDeps, cfg AccessConfig) *AccessService {
	allowed := make(map[types.AuthMethod]struct{}, len(cfg.AuthMethods))
	for _, m := range cfg.AuthMethods {
		allowed[m] = struct{}{}
	}
	return &AccessService{AccessDeps: deps, window: cfg.EntryWindow, allowed: allowed}
}

// Process decides one authentication event.  The state change is committed
// before the door is driven and before the record is queued; any error
// means no state changed and the door stays closed.
func (s *AccessService) Process(ctx context.Context, ev types.AccessEvent) (types.AccessResponse, error) {
	started := s.Clock.Now()

	userID := strings.TrimSpace(ev.UserID)
	terminalID := strings.TrimSpace(ev.TerminalID)
	if userID == "" {
		s.Metrics.Rejected("invalid")
		return types.AccessResponse{}, ErrInvalidUserID
	}
	if terminalID == "" {
		s.Metrics.Rejected("invalid")
		return types.AccessResponse{}, ErrInvalidTerminalID
	}

	if _, ok := s.allowed[ev.AuthMethod]; !ok {
		s.Metrics.Rejected("auth_method")
		s.Log.Debug("event ignored",
			zap.String("user_id", userID), zap.String("terminal_id", terminalID),
			zap.Int("auth_method", int(ev.AuthMethod)))
		return types.AccessResponse{
			OK:         true,
			Ignored:    true,
			UserID:     userID,
			TerminalID: terminalID,
			ServerTime: started.UTC().Format(time.RFC3339Nano),
		}, nil
	}

	role, err := s.Registry.Resolve(terminalID)
	if err != nil {
		s.Metrics.Rejected("unknown_terminal")
		s.Log.Warn("event from unknown terminal", zap.String("terminal_id", terminalID), zap.String("user_id", userID))
		return types.AccessResponse{}, err
	}

	now := ev.EventTime
	if now.IsZero() {
		now = started
	}

	var out engine.Outcome
	old, next, err := s.Locations.AtomicUpdate(ctx, userID, func(cur types.UserLocationState) types.UserLocationState {
		out = engine.Decide(engine.Input{
			State:       cur,
			Role:        role,
			TerminalID:  terminalID,
			Now:         now,
			EntryWindow: s.window,
		})
		return out.Next
	})
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			s.Metrics.Rejected("store_unavailable")
		} else {
			s.Metrics.Rejected("store_error")
		}
		s.Log.Error("decision aborted, door stays closed",
			zap.String("user_id", userID), zap.String("terminal_id", terminalID), zap.Error(err))
		return types.AccessResponse{}, fmt.Errorf("decide %s at %s: %w", userID, terminalID, err)
	}

	doorOpened := false
	if out.Door == engine.DoorOpen {
		doorOpened = s.Gate.Dispatch(terminalID)
	}

	decidedAt := s.Clock.Now()
	rec := types.DecisionRecord{
		RecordID:     uuid.NewString(),
		UserID:       userID,
		TerminalID:   terminalID,
		TerminalRole: role,
		AuthMethod:   ev.AuthMethod,
		EventTime:    now.UTC(),
		ActionTaken:  out.Status.Action(),
		StatusCode:   out.Status,
		IsViolation:  out.Violation,
		StateBefore:  old.State,
		StateAfter:   next.State,
		DoorOpened:   doorOpened,
		StateVersion: next.Version,
		DecidedAt:    decidedAt.UTC(),
	}
	// The state is committed; a request cancelled from here on must not
	// lose its record.
	if err := s.Audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		s.Log.Error("audit append failed", zap.Error(err), zap.Any("record", rec))
	}

	s.Registry.NoteSeen(ctx, terminalID, role, now)
	s.Metrics.Decision(string(out.Status), string(role), decidedAt.Sub(started))

	fields := []zap.Field{
		zap.String("user_id", userID),
		zap.String("terminal_id", terminalID),
		zap.String("role", string(role)),
		zap.String("status_code", string(out.Status)),
		zap.String("door", out.Door.String()),
		zap.Bool("door_opened", doorOpened),
		zap.Int64("state_version", next.Version),
	}
	if out.Violation {
		s.Log.Warn("anti-passback violation", fields...)
	} else {
		s.Log.Info("access decided", fields...)
	}

	return types.AccessResponse{
		OK:          true,
		RecordID:    rec.RecordID,
		UserID:      userID,
		TerminalID:  terminalID,
		Role:        role,
		StatusCode:  out.Status,
		Violation:   out.Violation,
		StateBefore: old.State,
		StateAfter:  next.State,
		DoorOpened:  doorOpened,
		ServerTime:  decidedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}
