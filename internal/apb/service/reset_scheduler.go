package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/antipassback/internal/apb/engine"
	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
	"github.com/BrandonDHaskell/antipassback/internal/metrics"
)

// ResetConfig holds the parameters for NewResetScheduler.
type ResetConfig struct {
	// Hour and Minute are the local time of day after which the reset runs.
	Hour, Minute int

	// Interval is how often the scheduler checks.  Defaults to one minute.
	Interval time.Duration

	// Location is the time zone that defines "today".  Defaults to UTC.
	Location *time.Location
}

// ResetScheduler moves every user still Inside to Outside once per day.
// It runs as a background goroutine and is safe to stop via its context or
// the Stop method.
//
// The process watermark starts at today, so a server started after the
// reset time waits until tomorrow; per-user watermarks make every run
// idempotent.
type ResetScheduler struct {
	locations store.LocationStore
	audit     RecordSink
	cfg       ResetConfig
	clk       quartz.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu         sync.Mutex // serializes runs
	lastGlobal string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewResetScheduler creates a scheduler but does not start it.
// Call Start to begin the background loop.
func NewResetScheduler(
	ls store.LocationStore,
	audit RecordSink,
	cfg ResetConfig,
	clk quartz.Clock,
	log *zap.Logger,
	m *metrics.Metrics,
) *ResetScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &ResetScheduler{
		locations:  ls,
		audit:      audit,
		cfg:        cfg,
		clk:        clk,
		log:        log,
		metrics:    m,
		lastGlobal: types.DateOf(clk.Now().In(cfg.Location)),
		done:       make(chan struct{}),
	}
}

// Start begins the polling loop.  The loop exits when ctx is cancelled or
// Stop is called.
func (s *ResetScheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)

	s.log.Info("daily reset scheduler started",
		zap.String("reset_time", fmt.Sprintf("%02d:%02d", s.cfg.Hour, s.cfg.Minute)),
		zap.String("timezone", s.cfg.Location.String()),
		zap.Duration("interval", s.cfg.Interval))
}

// Stop signals the loop to exit and waits for it to finish.
func (s *ResetScheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *ResetScheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := s.clk.NewTicker(s.cfg.Interval, "reset", "poll")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("daily reset failed", zap.Error(err))
			}
		}
	}
}

// LastResetDate returns the process watermark.
func (s *ResetScheduler) LastResetDate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastGlobal
}

// Tick runs the reset when the day has rolled over and the reset time has
// passed.  It returns the number of users moved.  The process watermark
// only advances when every candidate was handled, so a failed run is
// retried on the next tick.
func (s *ResetScheduler) Tick(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now().In(s.cfg.Location)
	today := types.DateOf(now)
	if today <= s.lastGlobal {
		return 0, nil
	}
	if now.Hour()*60+now.Minute() < s.cfg.Hour*60+s.cfg.Minute {
		return 0, nil
	}

	n, err := s.resetAll(ctx, now, today)
	s.metrics.Reset("scheduled", n, err)
	if err != nil {
		return n, err
	}
	s.lastGlobal = today
	s.log.Info("daily reset applied", zap.String("date", today), zap.Int("users", n))
	return n, nil
}

// ResetNow applies today's reset immediately, regardless of the time of
// day.  Users already reset today are left alone.  Every user it moves is
// stamped as reset for today, so a scheduled run later the same day skips
// them even if they enter again in between.  The process watermark is not
// moved; the scheduled run still happens for users not yet reset today.
func (s *ResetScheduler) ResetNow(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now().In(s.cfg.Location)
	n, err := s.resetAll(ctx, now, types.DateOf(now))
	s.metrics.Reset("manual", n, err)
	if err == nil {
		s.log.Info("manual reset applied", zap.Int("users", n))
	}
	return n, err
}

func (s *ResetScheduler) resetAll(ctx context.Context, now time.Time, today string) (int, error) {
	ids, err := s.locations.ResetCandidates(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("reset candidates: %w", err)
	}

	var (
		moved int
		errs  []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		old, next, err := s.locations.AtomicUpdate(ctx, id, func(cur types.UserLocationState) types.UserLocationState {
			st, _ := engine.Reset(engine.ResetInput{State: cur, Today: today})
			return st
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", id, err))
			continue
		}
		if old.State != types.Inside || next.State != types.Outside {
			// Someone else moved the user between the scan and the lock.
			continue
		}
		moved++

		rec := types.DecisionRecord{
			RecordID:     uuid.NewString(),
			UserID:       id,
			TerminalID:   types.SystemTerminal,
			TerminalRole: types.RoleExit,
			EventTime:    now.UTC(),
			ActionTaken:  types.StatusResetDaily.Action(),
			StatusCode:   types.StatusResetDaily,
			StateBefore:  old.State,
			StateAfter:   next.State,
			StateVersion: next.Version,
			DecidedAt:    s.clk.Now().UTC(),
		}
		if err := s.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
			s.log.Error("reset audit append failed", zap.Error(err), zap.Any("record", rec))
		}
	}
	return moved, errors.Join(errs...)
}
