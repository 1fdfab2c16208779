package types

import (
	"fmt"
	"time"
)

// StatusCode is the closed set of decision outcomes.  The string values are
// persisted and queried by reporting, so they must not change.
type StatusCode string

const (
	StatusSuccessEntry            StatusCode = "SUCCESS_ENTRY"
	StatusSuccessExit             StatusCode = "SUCCESS_EXIT"
	StatusAllowedTimeWindow       StatusCode = "ALLOWED_TIME_WINDOW"
	StatusDeniedAlreadyInside     StatusCode = "DENIED_ALREADY_INSIDE"
	StatusWarningExitWithoutEntry StatusCode = "WARNING_EXIT_WITHOUT_ENTRY"

	// StatusResetDaily marks a forced Inside -> Outside transition applied
	// by the daily reset.
	StatusResetDaily StatusCode = "RESET_DAILY"
)

// AllStatusCodes lists every status in a stable order.
var AllStatusCodes = []StatusCode{
	StatusSuccessEntry,
	StatusSuccessExit,
	StatusAllowedTimeWindow,
	StatusDeniedAlreadyInside,
	StatusWarningExitWithoutEntry,
	StatusResetDaily,
}

func ParseStatusCode(s string) (StatusCode, error) {
	for _, c := range AllStatusCodes {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown status code %q", s)
}

// Action is the human readable description stored with each record.
func (c StatusCode) Action() string {
	switch c {
	case StatusSuccessEntry:
		return "entry granted"
	case StatusSuccessExit:
		return "exit recorded"
	case StatusAllowedTimeWindow:
		return "entry granted within grace window"
	case StatusDeniedAlreadyInside:
		return "entry denied: already inside"
	case StatusWarningExitWithoutEntry:
		return "exit without recorded entry"
	case StatusResetDaily:
		return "daily reset to outside"
	default:
		panic(fmt.Sprintf("unhandled status code %q", string(c)))
	}
}

// SystemTerminal is the terminal id recorded for transitions not caused by
// a physical terminal.
const SystemTerminal = "system"

// DecisionRecord is the immutable audit entry written once per processed
// event.
type DecisionRecord struct {
	RecordID     string     `json:"record_id"`
	UserID       string     `json:"user_id"`
	TerminalID   string     `json:"terminal_id"`
	TerminalRole Role       `json:"terminal_role"`
	AuthMethod   AuthMethod `json:"auth_method_code"`
	EventTime    time.Time  `json:"event_time"`
	ActionTaken  string     `json:"action_taken"`
	StatusCode   StatusCode `json:"status_code"`
	IsViolation  bool       `json:"is_violation"`
	StateBefore  Presence   `json:"state_before"`
	StateAfter   Presence   `json:"state_after"`

	// DoorOpened is true when the door gate accepted an open job, not when
	// the door physically moved.
	DoorOpened bool `json:"door_opened"`

	// StateVersion is the user's location version produced by this
	// decision; it orders records per user.
	StateVersion int64     `json:"state_version"`
	DecidedAt    time.Time `json:"decided_at"`
}
