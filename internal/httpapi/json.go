package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

// eventPayload is the JSON form of a normalized access event.
type eventPayload struct {
	UserID         string `json:"user_id"`
	TerminalID     string `json:"terminal_id"`
	AuthMethodCode int    `json:"auth_method_code"`
	EventTime      string `json:"event_time,omitempty"`
}

func readJSONEvent(r *http.Request) (types.AccessEvent, error) {
	var p eventPayload
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return types.AccessEvent{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	at, err := parseEventTime(p.EventTime)
	if err != nil {
		return types.AccessEvent{}, err
	}
	return types.AccessEvent{
		UserID:     p.UserID,
		TerminalID: p.TerminalID,
		AuthMethod: types.AuthMethod(p.AuthMethodCode),
		EventTime:  at,
	}, nil
}

// parseEventTime accepts RFC3339 with or without fractional seconds; an
// empty string means "now".
func parseEventTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("event_time: want RFC3339, got %q", s)
	}
	return t.UTC(), nil
}

// parseFilter reads from, to and user_id.  Dates without a time are taken
// as midnight in the server's time zone.
func (s *Server) parseFilter(r *http.Request) (types.RecordFilter, error) {
	q := r.URL.Query()
	var f types.RecordFilter
	var err error
	if f.From, err = s.parseQueryTime(q.Get("from")); err != nil {
		return f, fmt.Errorf("from: %w", err)
	}
	if f.To, err = s.parseQueryTime(q.Get("to")); err != nil {
		return f, fmt.Errorf("to: %w", err)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, fmt.Errorf("from must be before to")
	}
	f.UserID = strings.TrimSpace(q.Get("user_id"))
	f.Location = s.loc
	return f, nil
}

func (s *Server) parseQueryTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(types.DateLayout, v, s.loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want YYYY-MM-DD or RFC3339, got %q", v)
	}
	return t, nil
}

type errorBody struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{OK: false, Error: code, Message: msg})
}
