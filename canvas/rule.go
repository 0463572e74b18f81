package canvas

import (
	"time"

	"canvas-api/domain"
)

const dueDateLayout = "2006-01-02"

// Matches reports whether the task satisfies the section's membership rule.
// It is total: every task/section combination, including misconfigured
// rules, yields a boolean. Custom sections and smart sections with an empty
// rule value match nothing. The caller supplies now so timeline rules
// resolve at trigger time rather than against a cached clock.
func Matches(t domain.Task, s domain.Section, now time.Time) bool {
	if !s.Type.Smart() || s.Rule.Value == "" {
		return false
	}
	switch s.Type {
	case domain.SectionPriority:
		return t.Priority != domain.PriorityNone && t.Priority == domain.Priority(s.Rule.Value)
	case domain.SectionStatus:
		return t.Status == domain.Status(s.Rule.Value)
	case domain.SectionProject:
		return t.ProjectID != "" && t.ProjectID == s.Rule.Value
	case domain.SectionTimeline:
		return matchesTimeline(t, s.Rule.Value, now)
	}
	return false
}

func matchesTimeline(t domain.Task, value string, now time.Time) bool {
	if t.DueDate == "" {
		return false
	}
	due, err := time.ParseInLocation(dueDateLayout, t.DueDate, now.Location())
	if err != nil {
		return false
	}
	today := truncateToDay(now)
	switch value {
	case domain.TimelineToday:
		return sameDay(due, today)
	case domain.TimelineTomorrow:
		return sameDay(due, today.AddDate(0, 0, 1))
	case domain.TimelineWeekend:
		sat, sun := weekendOf(today)
		return sameDay(due, sat) || sameDay(due, sun)
	}
	target, err := time.ParseInLocation(dueDateLayout, value, now.Location())
	if err != nil {
		return false
	}
	return sameDay(due, target)
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// weekendOf returns the Saturday/Sunday pair of the week containing day.
// On a Sunday that is the weekend already in progress, not the next one.
func weekendOf(day time.Time) (time.Time, time.Time) {
	switch day.Weekday() {
	case time.Sunday:
		return day.AddDate(0, 0, -1), day
	case time.Saturday:
		return day, day.AddDate(0, 0, 1)
	default:
		sat := day.AddDate(0, 0, int(time.Saturday-day.Weekday()))
		return sat, sat.AddDate(0, 0, 1)
	}
}
