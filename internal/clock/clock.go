// Package clock abstracts wall-clock time so scheduling math can be tested
// against a controllable time source.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by the scheduling engine.
type Clock interface {
	Now() time.Time

	// NextWeeklyOccurrence returns the earliest instant strictly after from
	// whose local representation in loc falls on day at hour:minute. If the
	// local time of from already equals the target, next week's occurrence
	// is returned, so the same instant can never be produced twice.
	//
	// The computation uses local wall-clock arithmetic, which keeps the
	// target HH:MM stable across daylight-saving transitions.
	NextWeeklyOccurrence(from time.Time, day time.Weekday, hour, minute int, loc *time.Location) time.Time
}

// System is the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) NextWeeklyOccurrence(from time.Time, day time.Weekday, hour, minute int, loc *time.Location) time.Time {
	return nextWeekly(from, day, hour, minute, loc)
}

func nextWeekly(from time.Time, day time.Weekday, hour, minute int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := from.In(loc)
	days := (int(day) - int(local.Weekday()) + 7) % 7
	// time.Date normalizes day overflow and resolves the wall-clock time in
	// loc, including DST gaps and overlaps.
	cand := time.Date(local.Year(), local.Month(), local.Day()+days, hour, minute, 0, 0, loc)
	if !cand.After(from) {
		cand = time.Date(local.Year(), local.Month(), local.Day()+days+7, hour, minute, 0, 0, loc)
	}
	return cand
}

// Fake is a settable clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(now time.Time) *Fake { return &Fake{now: now} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

func (f *Fake) NextWeeklyOccurrence(from time.Time, day time.Weekday, hour, minute int, loc *time.Location) time.Time {
	return nextWeekly(from, day, hour, minute, loc)
}
