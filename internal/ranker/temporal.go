package ranker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// temporalBoostMax is the boost for sessions inside the requested range.
const temporalBoostMax = 0.05

// temporalDecayDays is how far outside the range the boost decays to zero.
const temporalDecayDays = 30.0

// TimeRange is a parsed temporal query descriptor.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range. Zero bounds are open.
func (tr *TimeRange) Contains(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	if !tr.From.IsZero() && t.Before(tr.From) {
		return false
	}
	if !tr.To.IsZero() && t.After(tr.To) {
		return false
	}
	return true
}

// Boost computes the temporal boost for a session updated at t: the full
// boost inside the range, decaying linearly to zero over 30 days outside it.
func (tr *TimeRange) Boost(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	if tr.Contains(t) {
		return temporalBoostMax
	}

	var distance time.Duration
	if !tr.From.IsZero() && t.Before(tr.From) {
		distance = tr.From.Sub(t)
	} else if !tr.To.IsZero() && t.After(tr.To) {
		distance = t.Sub(tr.To)
	} else {
		return 0
	}

	days := distance.Hours() / 24
	if days >= temporalDecayDays {
		return 0
	}
	return temporalBoostMax * (1 - days/temporalDecayDays)
}

var (
	agoRe     = regexp.MustCompile(`^(\d+)\s*(day|days|week|weeks|month|months)\s+ago$`)
	compactRe = regexp.MustCompile(`^(\d+)([dwm])$`)
)

// ParseTimeRange parses a natural-language time range relative to now.
// Accepted forms: "today", "yesterday", "this week", "last week",
// "this month", "last month", "N days/weeks/months ago", compact "7d", "2w",
// "1m", and "YYYY-MM-DD".
func ParseTimeRange(expr string, now time.Time) (*TimeRange, error) {
	expr = strings.ToLower(strings.TrimSpace(expr))
	if expr == "" {
		return nil, fmt.Errorf("ranker: empty time range")
	}

	dayStart := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}

	switch expr {
	case "today":
		return &TimeRange{From: dayStart(now), To: now}, nil
	case "yesterday":
		start := dayStart(now).AddDate(0, 0, -1)
		return &TimeRange{From: start, To: start.AddDate(0, 0, 1).Add(-time.Nanosecond)}, nil
	case "this week":
		return &TimeRange{From: weekStart(now), To: now}, nil
	case "last week":
		thisMonday := weekStart(now)
		lastMonday := thisMonday.AddDate(0, 0, -7)
		return &TimeRange{From: lastMonday, To: thisMonday.Add(-time.Nanosecond)}, nil
	case "this month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return &TimeRange{From: start, To: now}, nil
	case "last month":
		thisStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		lastStart := thisStart.AddDate(0, -1, 0)
		return &TimeRange{From: lastStart, To: thisStart.Add(-time.Nanosecond)}, nil
	}

	if m := agoRe.FindStringSubmatch(expr); m != nil {
		n, _ := strconv.Atoi(m[1])
		from := now.Add(-unitDuration(m[2], n))
		return &TimeRange{From: from, To: now}, nil
	}
	if m := compactRe.FindStringSubmatch(expr); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := map[string]string{"d": "days", "w": "weeks", "m": "months"}[m[2]]
		from := now.Add(-unitDuration(unit, n))
		return &TimeRange{From: from, To: now}, nil
	}

	if t, err := time.Parse("2006-01-02", expr); err == nil {
		return &TimeRange{From: t, To: t.AddDate(0, 0, 1).Add(-time.Nanosecond)}, nil
	}

	return nil, fmt.Errorf("ranker: unrecognized time range %q", expr)
}

// weekStart returns the Monday 00:00 of t's week.
func weekStart(t time.Time) time.Time {
	daysSinceMonday := (int(t.Weekday()) + 6) % 7
	monday := t.AddDate(0, 0, -daysSinceMonday)
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, t.Location())
}

func unitDuration(unit string, n int) time.Duration {
	switch {
	case strings.HasPrefix(unit, "week"):
		return time.Duration(n) * 7 * 24 * time.Hour
	case strings.HasPrefix(unit, "month"):
		return time.Duration(n) * 30 * 24 * time.Hour
	default:
		return time.Duration(n) * 24 * time.Hour
	}
}
