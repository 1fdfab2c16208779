package types

import (
	"sort"
	"time"
)

// RecordFilter narrows audit queries.  Zero values mean "unbounded".
type RecordFilter struct {
	From   time.Time
	To     time.Time
	UserID string
	// Location sets the calendar day boundaries of the daily totals.  Nil
	// means UTC.
	Location *time.Location
}

// Matches reports whether rec falls inside the filter.  From is inclusive,
// To is exclusive.
func (f RecordFilter) Matches(rec DecisionRecord) bool {
	if !f.From.IsZero() && rec.EventTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.EventTime.Before(f.To) {
		return false
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	return true
}

// DailyRoleCount is one row of the per-day traffic summary.
type DailyRoleCount struct {
	Date        string `json:"date"`
	Role        Role   `json:"terminal_role"`
	Events      int64  `json:"total_events"`
	UniqueUsers int64  `json:"unique_users"`
	DoorsOpened int64  `json:"doors_opened"`
}

type dayRole struct {
	date string
	role Role
}

// DailyTally accumulates DailyRoleCount rows, bucketing events by calendar
// day in a fixed location.
type DailyTally struct {
	loc   *time.Location
	days  map[dayRole]*DailyRoleCount
	users map[dayRole]map[string]struct{}
}

func NewDailyTally(loc *time.Location) *DailyTally {
	if loc == nil {
		loc = time.UTC
	}
	return &DailyTally{
		loc:   loc,
		days:  make(map[dayRole]*DailyRoleCount),
		users: make(map[dayRole]map[string]struct{}),
	}
}

func (d *DailyTally) Add(at time.Time, role Role, userID string, doorOpened bool) {
	k := dayRole{date: DateOf(at.In(d.loc)), role: role}
	row, ok := d.days[k]
	if !ok {
		row = &DailyRoleCount{Date: k.date, Role: role}
		d.days[k] = row
		d.users[k] = make(map[string]struct{})
	}
	row.Events++
	if doorOpened {
		row.DoorsOpened++
	}
	d.users[k][userID] = struct{}{}
}

// Rows returns the totals newest day first, roles in name order within a day.
func (d *DailyTally) Rows() []DailyRoleCount {
	out := make([]DailyRoleCount, 0, len(d.days))
	for k, row := range d.days {
		row.UniqueUsers = int64(len(d.users[k]))
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].Role < out[j].Role
	})
	return out
}

// Stats aggregates the audit log for reporting.
type Stats struct {
	ByStatus             map[StatusCode]int64 `json:"by_status"`
	ViolationsByUser     map[string]int64     `json:"violations_by_user"`
	ViolationsByTerminal map[string]int64     `json:"violations_by_terminal"`
	Daily                []DailyRoleCount     `json:"daily"`
}

func NewStats() Stats {
	return Stats{
		ByStatus:             make(map[StatusCode]int64),
		ViolationsByUser:     make(map[string]int64),
		ViolationsByTerminal: make(map[string]int64),
	}
}

// TerminalStatus is one row of the terminal section of the status report.
type TerminalStatus struct {
	TerminalID string    `json:"terminal_id"`
	Role       Role      `json:"terminal_role"`
	Actuated   bool      `json:"actuator_connected"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

// StatusReport is the body of GET /v1/status.
type StatusReport struct {
	Status      string           `json:"status"`
	InsideCount int              `json:"users_inside_count"`
	Inside      []InsideUser     `json:"users_inside"`
	Terminals   []TerminalStatus `json:"terminals"`
	ServerTime  string           `json:"server_time"`
}
