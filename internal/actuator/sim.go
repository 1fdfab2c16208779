package actuator

import (
	"context"
	"fmt"
	"sync"
)

// Command is one instruction received by a simulated controller.
type Command struct {
	TerminalID string
	Op         string // "open" | "close"
}

// SimDriver is an in-process controller used in dev mode and tests.  It
// records every command it receives.
type SimDriver struct {
	mu       sync.Mutex
	commands []Command
	failing  map[string]error // terminal -> error returned by Connect/OpenDoor
}

func NewSimDriver() *SimDriver {
	return &SimDriver{failing: make(map[string]error)}
}

// Fail makes every later Connect and OpenDoor for terminalID return err.
// A nil err clears the failure.
func (d *SimDriver) Fail(terminalID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failing, terminalID)
		return
	}
	d.failing[terminalID] = err
}

func (d *SimDriver) Connect(_ context.Context, terminalID string) (Handle, error) {
	if err := d.failure(terminalID); err != nil {
		return nil, err
	}
	return &simHandle{driver: d, terminalID: terminalID}, nil
}

// Commands returns a copy of the commands received so far.
func (d *SimDriver) Commands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Command, len(d.commands))
	copy(out, d.commands)
	return out
}

func (d *SimDriver) failure(terminalID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failing[terminalID]
}

func (d *SimDriver) record(terminalID, op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, Command{TerminalID: terminalID, Op: op})
}

type simHandle struct {
	driver     *SimDriver
	terminalID string

	mu     sync.Mutex
	closed bool
}

func (h *simHandle) OpenDoor(ctx context.Context) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	if err := h.driver.failure(h.terminalID); err != nil {
		return fmt.Errorf("open door %s: %w", h.terminalID, err)
	}
	h.driver.record(h.terminalID, "open")
	return nil
}

func (h *simHandle) CloseDoor(ctx context.Context) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	h.driver.record(h.terminalID, "close")
	return nil
}

func (h *simHandle) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *simHandle) check(ctx context.Context) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return ctx.Err()
}
