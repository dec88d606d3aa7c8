package schedule

import (
	"testing"
	"time"

	"studysync/internal/clock"
)

func mondayEntry() Entry {
	return Entry{
		ID:          "c1",
		Recipient:   "+15550001111",
		ChildName:   "Mia",
		Subject:     "Math",
		Day:         time.Monday,
		Hour:        16,
		Minute:      0,
		LeadMinutes: 30,
		Timezone:    "UTC",
		Active:      true,
	}
}

func TestNextFireBasic(t *testing.T) {
	t.Parallel()
	var c clock.System

	// 2024-01-01T10:00Z is a Monday; class Monday 16:00 lead 30 fires 15:30.
	after := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	got := NextFire(c, mondayEntry(), after)
	want := time.Date(2024, 1, 1, 15, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", got, want)
	}
}

func TestNextFireLeadChange(t *testing.T) {
	t.Parallel()
	var c clock.System

	// Lead bumped to 45 at 15:00, still before this week's class: fire moves
	// to 15:15 today.
	e := mondayEntry()
	e.LeadMinutes = 45
	after := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)
	got := NextFire(c, e, after)
	want := time.Date(2024, 1, 1, 15, 15, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", got, want)
	}
}

func TestNextFireLeadLargerThanGapRollsAWeek(t *testing.T) {
	t.Parallel()
	var c clock.System

	// 15:50 with a 30 minute lead: this week's fire instant (15:30) is
	// already past, so the planner must not target today's class.
	after := time.Date(2024, 1, 1, 15, 50, 0, 0, time.UTC)
	got := NextFire(c, mondayEntry(), after)
	want := time.Date(2024, 1, 8, 15, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", got, want)
	}
}

func TestNextFireAlwaysFuture(t *testing.T) {
	t.Parallel()
	var c clock.System

	e := mondayEntry()
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 14*24; i++ {
		got := NextFire(c, e, after)
		if !got.After(after) {
			t.Fatalf("fire %v not after %v", got, after)
		}
		classAt := got.Add(time.Duration(e.LeadMinutes) * time.Minute)
		if wd := classAt.In(e.Location()).Weekday(); wd != e.Day {
			t.Fatalf("class weekday = %v, want %v", wd, e.Day)
		}
		after = after.Add(time.Hour)
	}
}

func TestNextFireTimezone(t *testing.T) {
	t.Parallel()
	var c clock.System

	loc, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	e := mondayEntry()
	e.Timezone = "Asia/Jakarta"

	// Monday 16:00 WIB is 09:00 UTC; lead 30 fires 08:30 UTC.
	after := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	got := NextFire(c, e, after)
	want := time.Date(2024, 1, 1, 15, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", got, want)
	}
}
