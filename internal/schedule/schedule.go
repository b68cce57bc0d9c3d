package schedule

import (
	"fmt"
	"iter"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// DefaultTimezone applies when a job does not name one.
const DefaultTimezone = "Asia/Tokyo"

// Five standard fields only: no seconds, no @descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type InvalidScheduleError struct {
	Expr   string
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %s", e.Expr, e.Reason)
}

// Schedule is a parsed cron expression pinned to a timezone.
type Schedule struct {
	Expr     string
	Location *time.Location
	spec     *cron.SpecSchedule
}

// Parse validates expr as a five-field cron expression evaluated in tz.
func Parse(expr, tz string) (*Schedule, error) {
	if n := len(strings.Fields(expr)); n != 5 {
		return nil, &InvalidScheduleError{Expr: expr, Reason: fmt.Sprintf("expected 5 fields, got %d", n)}
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Reason: err.Error()}
	}
	parsed, err := parser.Parse(expr)
	if err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Reason: err.Error()}
	}
	spec, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, &InvalidScheduleError{Expr: expr, Reason: "unsupported schedule form"}
	}
	spec.Location = loc

	s := &Schedule{Expr: expr, Location: loc, spec: spec}
	// robfig gives up after five years, e.g. "0 0 30 2 *".
	if s.Next(time.Now()).IsZero() {
		return nil, &InvalidScheduleError{Expr: expr, Reason: "schedule never fires"}
	}
	return s, nil
}

// LoadLocation resolves an IANA timezone name, defaulting the empty name.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	if tz == "Local" {
		return nil, fmt.Errorf("unknown timezone %q", tz)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", tz)
	}
	return loc, nil
}

// Next returns the first matching minute strictly after t, or the zero time
// if none exists.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.spec.Next(t)
}

// Upcoming yields the matching instants after t in increasing order. The
// sequence is infinite and may be ranged over more than once.
func (s *Schedule) Upcoming(after time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		t := after
		for {
			t = s.Next(t)
			if t.IsZero() || !yield(t) {
				return
			}
		}
	}
}

// Interval is the whole number of minutes between the first two instants
// after t.
func (s *Schedule) Interval(after time.Time) int {
	first := s.Next(after)
	second := s.Next(first)
	if first.IsZero() || second.IsZero() {
		return 0
	}
	return int(second.Sub(first) / time.Minute)
}
