package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// HandleCommand answers a free-form inbound text from a parent. Known
// commands are "classes", "today" and "help"; anything else gets the
// help text so the conversation never dead-ends.
func (s *Service) HandleCommand(ctx context.Context, phone, text string) string {
	cmd := strings.ToLower(strings.TrimSpace(text))
	switch cmd {
	case "classes":
		return s.classesReply(phone)
	case "today":
		return s.todayReply(phone)
	default:
		return helpReply()
	}
}

func (s *Service) classesReply(phone string) string {
	classes := s.ClassesForParent(phone)
	if len(classes) == 0 {
		return "You have no classes registered yet."
	}
	sort.Slice(classes, func(i, j int) bool {
		if classes[i].Day != classes[j].Day {
			return classes[i].Day < classes[j].Day
		}
		return classes[i].ClassLabel() < classes[j].ClassLabel()
	})
	var b strings.Builder
	b.WriteString("📋 Your classes:\n")
	for _, c := range classes {
		state := ""
		if !c.Active {
			state = " (paused)"
		}
		fmt.Fprintf(&b, "• %s with %s, %s %s%s\n", c.Subject, c.ChildName, c.Day, c.ClassLabel(), state)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Service) todayReply(phone string) string {
	var lines []string
	for _, c := range s.ClassesForParent(phone) {
		if !c.Active {
			continue
		}
		if time.Now().In(c.Location()).Weekday() != c.Day {
			continue
		}
		lines = append(lines, fmt.Sprintf("• %s with %s at %s", c.Subject, c.ChildName, c.ClassLabel()))
	}
	if len(lines) == 0 {
		return "No classes today. Enjoy the free afternoon!"
	}
	sort.Strings(lines)
	return "📅 Today's classes:\n" + strings.Join(lines, "\n")
}

func helpReply() string {
	return strings.Join([]string{
		"Hi! I can answer these commands:",
		"• classes - list all registered classes",
		"• today - show today's classes",
		"• help - this message",
	}, "\n")
}
