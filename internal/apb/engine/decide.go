// Package engine holds the anti-passback decision rules.  Decide is pure:
// it is evaluated inside the location store's per-user critical section and
// must not perform I/O.
package engine

import (
	"time"

	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

// DoorAction tells the caller what to do with the terminal's door.
type DoorAction int

const (
	// DoorNone means the decision has no door side effect (exit terminals).
	DoorNone DoorAction = iota
	DoorOpen
	DoorKeepClosed
)

func (a DoorAction) String() string {
	switch a {
	case DoorOpen:
		return "open"
	case DoorKeepClosed:
		return "closed"
	default:
		return "none"
	}
}

// Input is everything a decision depends on.
type Input struct {
	State       types.UserLocationState
	Role        types.Role
	TerminalID  string
	Now         time.Time
	EntryWindow time.Duration
}

// Outcome is the result of a decision.  Next is the state to commit.
type Outcome struct {
	Next      types.UserLocationState
	Status    types.StatusCode
	Violation bool
	Door      DoorAction
}

// Decide applies the anti-passback table to in.
func Decide(in Input) Outcome {
	cur := in.State
	next := cur

	switch in.Role {
	case types.RoleEntry:
		// Compare against the previous stamp before overwriting it.
		withinWindow := !cur.LastEntryAuthTime.IsZero() &&
			in.Now.Sub(cur.LastEntryAuthTime) < in.EntryWindow
		next.LastEntryAuthTime = laterOf(cur.LastEntryAuthTime, in.Now)

		if cur.State == types.Outside {
			next.State = types.Inside
			next.LastTerminal = in.TerminalID
			next.LastEventTime = in.Now
			return Outcome{Next: next, Status: types.StatusSuccessEntry, Door: DoorOpen}
		}
		if withinWindow {
			return Outcome{Next: next, Status: types.StatusAllowedTimeWindow, Door: DoorOpen}
		}
		return Outcome{Next: next, Status: types.StatusDeniedAlreadyInside, Violation: true, Door: DoorKeepClosed}

	case types.RoleExit:
		if cur.State == types.Inside {
			next.State = types.Outside
			next.LastTerminal = in.TerminalID
			next.LastEventTime = in.Now
			return Outcome{Next: next, Status: types.StatusSuccessExit, Door: DoorNone}
		}
		return Outcome{Next: next, Status: types.StatusWarningExitWithoutEntry, Door: DoorNone}
	}

	// Roles are resolved before the engine runs; an unknown role is a
	// programming error.
	panic("engine: unknown terminal role " + string(in.Role))
}

// ResetInput describes a daily reset applied to one user.
type ResetInput struct {
	State types.UserLocationState
	Today string
}

// Reset moves an Inside user whose watermark predates Today to Outside.  The
// second return value is false when the state is left untouched.
func Reset(in ResetInput) (types.UserLocationState, bool) {
	cur := in.State
	if cur.State != types.Inside || cur.LastResetDate >= in.Today {
		return cur, false
	}
	cur.State = types.Outside
	cur.LastResetDate = in.Today
	return cur, true
}

// laterOf keeps the entry stamp from moving backwards when events arrive
// out of order.
func laterOf(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}
