// Package schedule holds the recurring reminder domain model: the schedule
// entry, its in-memory index, and the fire-instant planner.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	MinLeadMinutes = 5
	MaxLeadMinutes = 120
)

// ErrNotFound is returned when an entry id is unknown.
var ErrNotFound = errors.New("schedule entry not found")

// ValidationError rejects a malformed entry at registration time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Entry is one recurring class reminder.
//
// Recipient, ChildName and Subject are captured at creation so dispatch
// needs no additional lookups. Version is bumped on every mutation and is
// used to discard stale in-flight fires.
type Entry struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	ChildName string `json:"child_name"`
	Subject   string `json:"subject"`

	Day         time.Weekday `json:"day_of_week"`
	Hour        int          `json:"hour"`
	Minute      int          `json:"minute"`
	LeadMinutes int          `json:"lead_minutes"`
	Timezone    string       `json:"timezone,omitempty"`

	Active     bool      `json:"active"`
	NextFireAt time.Time `json:"next_fire_at,omitzero"`
	Version    uint64    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

// Location resolves the entry's IANA timezone. Falls back to UTC; the name
// was validated before the entry entered the store.
func (e Entry) Location() *time.Location {
	if strings.TrimSpace(e.Timezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ClassLabel is the HH:MM rendering of the class start in the entry's zone.
func (e Entry) ClassLabel() string {
	return fmt.Sprintf("%02d:%02d", e.Hour, e.Minute)
}

// Validate checks all fields that gate entry into the store.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Recipient) == "" {
		return &ValidationError{Field: "recipient", Reason: "must not be empty"}
	}
	if e.Day < time.Sunday || e.Day > time.Saturday {
		return &ValidationError{Field: "day_of_week", Reason: "unknown weekday"}
	}
	if e.Hour < 0 || e.Hour > 23 {
		return &ValidationError{Field: "class_time", Reason: "hour out of range"}
	}
	if e.Minute < 0 || e.Minute > 59 {
		return &ValidationError{Field: "class_time", Reason: "minute out of range"}
	}
	if e.LeadMinutes < MinLeadMinutes || e.LeadMinutes > MaxLeadMinutes {
		return &ValidationError{
			Field:  "lead_minutes",
			Reason: fmt.Sprintf("must be in [%d, %d]", MinLeadMinutes, MaxLeadMinutes),
		}
	}
	if tz := strings.TrimSpace(e.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return &ValidationError{Field: "timezone", Reason: "unknown IANA zone"}
		}
	}
	return nil
}

// ParseWeekday accepts full English weekday names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return 0, &ValidationError{Field: "day_of_week", Reason: fmt.Sprintf("unknown weekday %q", s)}
}

// ParseClassTime parses "HH:MM" into hour and minute.
func ParseClassTime(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || strings.Count(s, ":") != 1 {
		return 0, 0, &ValidationError{Field: "class_time", Reason: fmt.Sprintf("expected HH:MM, got %q", s)}
	}
	if h < 0 || h > 23 {
		return 0, 0, &ValidationError{Field: "class_time", Reason: "hour out of range"}
	}
	if m < 0 || m > 59 {
		return 0, 0, &ValidationError{Field: "class_time", Reason: "minute out of range"}
	}
	return h, m, nil
}
