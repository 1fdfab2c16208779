package types

import (
	"fmt"
	"time"
)

// Presence is where the location store believes a credential holder is.
type Presence string

const (
	Outside Presence = "outside"
	Inside  Presence = "inside"
)

func (p Presence) Valid() bool {
	return p == Inside || p == Outside
}

// ParsePresence maps a persisted value back to a Presence.
func ParsePresence(s string) (Presence, error) {
	p := Presence(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown presence %q", s)
	}
	return p, nil
}

// DateLayout is the calendar-date form used for reset watermarks.
const DateLayout = "2006-01-02"

// DateOf formats t as a calendar date in t's own location.
func DateOf(t time.Time) string {
	return t.Format(DateLayout)
}

// UserLocationState is the per-user anti-passback record.  It is created
// lazily (Outside) on the first event for a user and never deleted.
type UserLocationState struct {
	UserID string   `json:"user_id"`
	State  Presence `json:"state"`

	// LastTerminal and LastEventTime only move on accepted transitions.
	LastTerminal  string    `json:"last_terminal,omitempty"`
	LastEventTime time.Time `json:"last_event_time,omitempty"`

	// LastEntryAuthTime is stamped on every entry attempt, allowed or not.
	LastEntryAuthTime time.Time `json:"last_entry_auth_time,omitempty"`

	// LastResetDate is the YYYY-MM-DD of the last daily reset applied to
	// this user; empty means never.  Non-decreasing.
	LastResetDate string `json:"last_reset_date,omitempty"`

	// Version counts committed updates for this user.
	Version int64 `json:"version"`
}

// NewUserLocationState returns the default state for a user seen for the
// first time.
func NewUserLocationState(userID string) UserLocationState {
	return UserLocationState{UserID: userID, State: Outside}
}

// InsideUser is a row of the "who is inside" report.
type InsideUser struct {
	UserID        string    `json:"user_id"`
	LastTerminal  string    `json:"last_terminal"`
	LastEventTime time.Time `json:"last_event_time"`
}
