package notifier

import (
	"fmt"
	"strings"

	"studysync/internal/schedule"
)

// ClassReminder renders the standard reminder body for a schedule entry.
func ClassReminder(e schedule.Entry) string {
	var b strings.Builder
	b.WriteString("🔔 Class Reminder!\n\n")
	fmt.Fprintf(&b, "📚 Subject: %s\n", e.Subject)
	fmt.Fprintf(&b, "👶 Student: %s\n", e.ChildName)
	fmt.Fprintf(&b, "⏰ Time: %s\n", e.ClassLabel())
	fmt.Fprintf(&b, "📅 Day: %s\n\n", e.Day)
	fmt.Fprintf(&b, "Don't forget! Class starts in %d minutes.", e.LeadMinutes)
	return b.String()
}
