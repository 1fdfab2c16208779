package types

import (
	"fmt"
	"time"
)

// Role is the configured function of a terminal.
type Role string

const (
	RoleEntry Role = "entry"
	RoleExit  Role = "exit"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleEntry, RoleExit:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown terminal role %q", s)
}

// AuthMethod is the vendor sub-event code of a successful authentication.
type AuthMethod int

const (
	AuthMethodCard AuthMethod = 75
	AuthMethodFace AuthMethod = 117
)

// AccessEvent is a normalized authentication event delivered by the
// ingestion layer.
type AccessEvent struct {
	UserID     string     `json:"user_id"`
	TerminalID string     `json:"terminal_id"`
	AuthMethod AuthMethod `json:"auth_method_code"`
	EventTime  time.Time  `json:"event_time"`
}

// AccessResponse is what the ingestion endpoint returns for a processed event.
type AccessResponse struct {
	OK          bool       `json:"ok"`
	Ignored     bool       `json:"ignored,omitempty"`
	RecordID    string     `json:"record_id,omitempty"`
	UserID      string     `json:"user_id"`
	TerminalID  string     `json:"terminal_id"`
	Role        Role       `json:"terminal_role,omitempty"`
	StatusCode  StatusCode `json:"status_code,omitempty"`
	Violation   bool       `json:"violation"`
	StateBefore Presence   `json:"state_before,omitempty"`
	StateAfter  Presence   `json:"state_after,omitempty"`
	DoorOpened  bool       `json:"door_opened"`
	ServerTime  string     `json:"server_time"`
}
