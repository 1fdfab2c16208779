// Package actuator owns the door controller capability: one live handle per
// actuated terminal, acquired at startup and released at shutdown.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
)

var (
	// ErrNoHandle is returned for terminals without a live controller handle.
	ErrNoHandle = errors.New("no actuator handle for terminal")
	// ErrClosed is returned by a handle after Disconnect.
	ErrClosed = errors.New("actuator handle closed")
)

// Handle is a live session with one door controller.
type Handle interface {
	OpenDoor(ctx context.Context) error
	CloseDoor(ctx context.Context) error
	Disconnect() error
}

// Driver opens controller sessions.
type Driver interface {
	Connect(ctx context.Context, terminalID string) (Handle, error)
}

// Pulse opens the door, holds it for hold and closes it again.  The close
// command is sent even when ctx ends during the hold, using a short
// detached context, so a door is never left open by a cancelled job.
func Pulse(ctx context.Context, clk quartz.Clock, h Handle, hold time.Duration) error {
	if err := h.OpenDoor(ctx); err != nil {
		return fmt.Errorf("open: %w", err)
	}

	t := clk.NewTimer(hold, "actuator", "hold")
	defer t.Stop()

	var waitErr error
	select {
	case <-t.C:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	closeCtx := ctx
	if waitErr != nil {
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
	}
	if err := h.CloseDoor(closeCtx); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return waitErr
}

// Manager holds the handle of every actuated terminal.
type Manager struct {
	driver Driver
	log    *zap.Logger

	mu      sync.RWMutex
	handles map[string]Handle
}

func NewManager(driver Driver, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		driver:  driver,
		log:     log,
		handles: make(map[string]Handle),
	}
}

// ConnectAll acquires a handle per terminal.  A terminal that fails to
// connect is logged and left without a handle; its events are still
// decided, the door simply is not driven.  The returned error joins every
// failure.
func (m *Manager) ConnectAll(ctx context.Context, terminalIDs []string) error {
	var errs []error
	for _, id := range terminalIDs {
		h, err := m.driver.Connect(ctx, id)
		if err != nil {
			m.log.Warn("actuator connect failed", zap.String("terminal_id", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("connect %s: %w", id, err))
			continue
		}

		m.mu.Lock()
		prev := m.handles[id]
		m.handles[id] = h
		m.mu.Unlock()
		if prev != nil {
			_ = prev.Disconnect()
		}
		m.log.Info("actuator connected", zap.String("terminal_id", id))
	}
	return errors.Join(errs...)
}

// Handle returns the live handle for terminalID.
func (m *Manager) Handle(terminalID string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[terminalID]
	return h, ok
}

// Connected lists terminals with a live handle, sorted.
func (m *Manager) Connected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handles))
	for id := range m.handles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DisconnectAll releases every handle.  Safe to call more than once.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]Handle)
	m.mu.Unlock()

	for id, h := range handles {
		if err := h.Disconnect(); err != nil {
			m.log.Warn("actuator disconnect failed", zap.String("terminal_id", id), zap.Error(err))
		}
	}
}
