package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/antipassback/internal/apb/engine"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

var base = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

const window = 60 * time.Second

func inside(lastEntry time.Time) types.UserLocationState {
	return types.UserLocationState{
		UserID:            "alice",
		State:             types.Inside,
		LastTerminal:      "t-in-1",
		LastEventTime:     base.Add(-time.Hour),
		LastEntryAuthTime: lastEntry,
		Version:           4,
	}
}

// ── Entry ────────────────────────────────────────────────────────────────────

func TestDecide_EntryFromOutside_SuccessEntry(t *testing.T) {
	out := engine.Decide(engine.Input{
		State:       types.NewUserLocationState("alice"),
		Role:        types.RoleEntry,
		TerminalID:  "t-in-1",
		Now:         base,
		EntryWindow: window,
	})

	assert.Equal(t, types.StatusSuccessEntry, out.Status)
	assert.False(t, out.Violation)
	assert.Equal(t, engine.DoorOpen, out.Door)
	assert.Equal(t, types.Inside, out.Next.State)
	assert.Equal(t, "t-in-1", out.Next.LastTerminal)
	assert.Equal(t, base, out.Next.LastEventTime)
	assert.Equal(t, base, out.Next.LastEntryAuthTime)
}

func TestDecide_EntryWhileInside_WithinWindow_Allowed(t *testing.T) {
	prev := inside(base.Add(-10 * time.Second))
	out := engine.Decide(engine.Input{
		State:       prev,
		Role:        types.RoleEntry,
		TerminalID:  "t-in-2",
		Now:         base,
		EntryWindow: window,
	})

	assert.Equal(t, types.StatusAllowedTimeWindow, out.Status)
	assert.False(t, out.Violation)
	assert.Equal(t, engine.DoorOpen, out.Door)
	assert.Equal(t, types.Inside, out.Next.State)
	assert.Equal(t, base, out.Next.LastEntryAuthTime, "entry stamp moves to now")
	// Not a transition: last terminal and event time stay put.
	assert.Equal(t, prev.LastTerminal, out.Next.LastTerminal)
	assert.Equal(t, prev.LastEventTime, out.Next.LastEventTime)
}

func TestDecide_EntryWhileInside_OutsideWindow_Denied(t *testing.T) {
	out := engine.Decide(engine.Input{
		State:       inside(base.Add(-120 * time.Second)),
		Role:        types.RoleEntry,
		TerminalID:  "t-in-1",
		Now:         base,
		EntryWindow: window,
	})

	assert.Equal(t, types.StatusDeniedAlreadyInside, out.Status)
	assert.True(t, out.Violation)
	assert.Equal(t, engine.DoorKeepClosed, out.Door)
	assert.Equal(t, types.Inside, out.Next.State)
	assert.Equal(t, base, out.Next.LastEntryAuthTime, "denied attempts are stamped too")
}

func TestDecide_EntryWhileInside_ExactlyWindow_Denied(t *testing.T) {
	out := engine.Decide(engine.Input{
		State:       inside(base.Add(-window)),
		Role:        types.RoleEntry,
		Now:         base,
		EntryWindow: window,
	})
	assert.Equal(t, types.StatusDeniedAlreadyInside, out.Status)
}

func TestDecide_EntryWhileInside_NoPriorStamp_Denied(t *testing.T) {
	out := engine.Decide(engine.Input{
		State:       inside(time.Time{}),
		Role:        types.RoleEntry,
		Now:         base,
		EntryWindow: window,
	})
	assert.Equal(t, types.StatusDeniedAlreadyInside, out.Status)
	assert.True(t, out.Violation)
}

func TestDecide_RepeatedAttempts_WindowSlidesWithEachAttempt(t *testing.T) {
	st := types.NewUserLocationState("alice")
	in := engine.Input{Role: types.RoleEntry, TerminalID: "t-in-1", EntryWindow: window}

	var statuses []types.StatusCode
	for _, offset := range []time.Duration{0, 50 * time.Second, 100 * time.Second, 200 * time.Second} {
		in.State = st
		in.Now = base.Add(offset)
		out := engine.Decide(in)
		statuses = append(statuses, out.Status)
		st = out.Next
	}

	require.Equal(t, []types.StatusCode{
		types.StatusSuccessEntry,
		types.StatusAllowedTimeWindow,
		types.StatusAllowedTimeWindow,
		types.StatusDeniedAlreadyInside,
	}, statuses)
}

func TestDecide_OutOfOrderEntry_StampDoesNotMoveBackwards(t *testing.T) {
	out := engine.Decide(engine.Input{
		State:       inside(base),
		Role:        types.RoleEntry,
		Now:         base.Add(-5 * time.Second),
		EntryWindow: window,
	})
	assert.Equal(t, types.StatusAllowedTimeWindow, out.Status)
	assert.Equal(t, base, out.Next.LastEntryAuthTime)
}

// ── Exit ─────────────────────────────────────────────────────────────────────

func TestDecide_ExitWhileInside_SuccessExit(t *testing.T) {
	prev := inside(base.Add(-time.Hour))
	out := engine.Decide(engine.Input{
		State:       prev,
		Role:        types.RoleExit,
		TerminalID:  "t-out-1",
		Now:         base,
		EntryWindow: window,
	})

	assert.Equal(t, types.StatusSuccessExit, out.Status)
	assert.False(t, out.Violation)
	assert.Equal(t, engine.DoorNone, out.Door)
	assert.Equal(t, types.Outside, out.Next.State)
	assert.Equal(t, "t-out-1", out.Next.LastTerminal)
	assert.Equal(t, base, out.Next.LastEventTime)
	assert.Equal(t, prev.LastEntryAuthTime, out.Next.LastEntryAuthTime)
}

func TestDecide_ExitWhileOutside_Warning(t *testing.T) {
	prev := types.NewUserLocationState("bob")
	out := engine.Decide(engine.Input{
		State:       prev,
		Role:        types.RoleExit,
		TerminalID:  "t-out-1",
		Now:         base,
		EntryWindow: window,
	})

	assert.Equal(t, types.StatusWarningExitWithoutEntry, out.Status)
	assert.False(t, out.Violation)
	assert.Equal(t, prev, out.Next)
}

// ── Reset ────────────────────────────────────────────────────────────────────

func TestReset(t *testing.T) {
	tests := []struct {
		name    string
		state   types.UserLocationState
		changed bool
	}{
		{"inside never reset", types.UserLocationState{State: types.Inside}, true},
		{"inside reset yesterday", types.UserLocationState{State: types.Inside, LastResetDate: "2026-03-09"}, true},
		{"inside already reset today", types.UserLocationState{State: types.Inside, LastResetDate: "2026-03-10"}, false},
		{"outside", types.UserLocationState{State: types.Outside}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, changed := engine.Reset(engine.ResetInput{State: tt.state, Today: "2026-03-10"})
			assert.Equal(t, tt.changed, changed)
			if changed {
				assert.Equal(t, types.Outside, next.State)
				assert.Equal(t, "2026-03-10", next.LastResetDate)
			} else {
				assert.Equal(t, tt.state, next)
			}
		})
	}
}
