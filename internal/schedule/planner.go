package schedule

import (
	"time"

	"studysync/internal/clock"
)

// NextFire computes the next fire instant for the entry strictly after the
// given instant: the next weekly class occurrence minus the lead time.
//
// Asking for occurrences after after+lead guarantees the subtraction can
// never produce a fire instant at or before after. When the lead time is
// larger than the gap to this week's class, the fire rolls forward to the
// following week; a reminder never targets a class start already in the
// past.
func NextFire(c clock.Clock, e Entry, after time.Time) time.Time {
	lead := time.Duration(e.LeadMinutes) * time.Minute
	classAt := c.NextWeeklyOccurrence(after.Add(lead), e.Day, e.Hour, e.Minute, e.Location())
	return classAt.Add(-lead)
}
