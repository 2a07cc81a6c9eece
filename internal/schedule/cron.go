// Package schedule implements the five-field cron expressions used by
// time triggers. Expressions are evaluated in UTC at minute granularity.
//
// Each field accepts a wildcard (*), a step (*/N), a single value, or a
// comma-separated list. Day-of-month and day-of-week follow the standard
// rule: when both are restricted, a date matching either fires.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// field bounds, in cron order.
var fieldSpecs = []struct {
	name string
	min  int
	max  int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Schedule is a parsed five-field cron expression.
type Schedule struct {
	expr     string
	minutes  map[int]bool
	hours    map[int]bool
	days     map[int]bool
	months   map[int]bool
	weekdays map[int]bool
	domAny   bool // day-of-month field was *
	dowAny   bool // day-of-week field was *
}

// Parse parses a five-field cron expression.
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(fields))
	}

	sets := make([]map[int]bool, 5)
	for i, field := range fields {
		set, err := parseField(field, fieldSpecs[i].min, fieldSpecs[i].max)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %s field: %w", expr, fieldSpecs[i].name, err)
		}
		sets[i] = set
	}

	return &Schedule{
		expr:     expr,
		minutes:  sets[0],
		hours:    sets[1],
		days:     sets[2],
		months:   sets[3],
		weekdays: sets[4],
		domAny:   fields[2] == "*",
		dowAny:   fields[4] == "*",
	}, nil
}

// parseField expands one cron field into its value set.
func parseField(field string, min, max int) (map[int]bool, error) {
	set := make(map[int]bool)

	if field == "*" {
		for v := min; v <= max; v++ {
			set[v] = true
		}
		return set, nil
	}

	if step, ok := strings.CutPrefix(field, "*/"); ok {
		n, err := strconv.Atoi(step)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad step %q", field)
		}
		for v := min; v <= max; v += n {
			set[v] = true
		}
		return set, nil
	}

	for _, part := range strings.Split(field, ",") {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad value %q", part)
		}
		if v < min || v > max {
			return nil, fmt.Errorf("value %d out of range [%d,%d]", v, min, max)
		}
		set[v] = true
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty field")
	}
	return set, nil
}

// String returns the original expression.
func (s *Schedule) String() string {
	return s.expr
}

// Matches reports whether the schedule fires at the given instant,
// truncated to the minute, in UTC.
func (s *Schedule) Matches(t time.Time) bool {
	t = t.UTC()
	if !s.minutes[t.Minute()] || !s.hours[t.Hour()] || !s.months[int(t.Month())] {
		return false
	}
	return s.dayMatches(t)
}

// Next returns the first instant strictly after t at which the schedule
// fires, at minute granularity in UTC. Scans bounded to four years so a
// contradictory expression (e.g. Feb 30) errors instead of spinning.
func (s *Schedule) Next(t time.Time) (time.Time, error) {
	next := t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := next.AddDate(4, 0, 0)

	for next.Before(limit) {
		if !s.months[int(next.Month())] {
			// Jump to the first minute of the next month.
			next = time.Date(next.Year(), next.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
			continue
		}
		if !s.dayMatches(next) {
			next = time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
			continue
		}
		if !s.hours[next.Hour()] {
			next = next.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !s.minutes[next.Minute()] {
			next = next.Add(time.Minute)
			continue
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("cron %q: no firing within four years of %s", s.expr, t.UTC().Format(time.RFC3339))
}

func (s *Schedule) dayMatches(t time.Time) bool {
	domMatch := s.days[t.Day()]
	dowMatch := s.weekdays[int(t.Weekday())]
	switch {
	case s.domAny && s.dowAny:
		return true
	case s.domAny:
		return dowMatch
	case s.dowAny:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}
