package domain

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

// maxLookaheadDays bounds NextRun so that a schedule excluding every weekday
// terminates.
const maxLookaheadDays = 8

// IsWithin reports whether sending is permitted at now. All comparisons are
// made in the schedule's timezone.
func (s Schedule) IsWithin(now time.Time) bool {
	if !s.Enabled {
		return true
	}

	local := now.In(s.location())
	if s.excludes(local.Weekday()) {
		return false
	}

	start, okStart := parseClock(s.StartTime)
	pause, okPause := parseClock(s.PauseTime)
	if !okStart || !okPause {
		return true
	}

	minuteOfDay := local.Hour()*60 + local.Minute()
	if start <= pause {
		return minuteOfDay >= start && minuteOfDay <= pause
	}
	// window crosses midnight
	return minuteOfDay >= start || minuteOfDay <= pause
}

// NextRun returns the next occurrence of the start time strictly after now
// that does not fall on an excluded weekday. The boolean is false when no
// such instant exists within the lookahead.
func (s Schedule) NextRun(now time.Time) (time.Time, bool) {
	if !s.Enabled {
		return now, true
	}

	loc := s.location()
	local := now.In(loc)
	start, ok := parseClock(s.StartTime)
	if !ok {
		start = 0
	}

	for i := 0; i < maxLookaheadDays; i++ {
		candidate := time.Date(local.Year(), local.Month(), local.Day()+i, start/60, start%60, 0, 0, loc)
		if !candidate.After(now) {
			continue
		}
		if s.excludes(candidate.Weekday()) {
			continue
		}
		return candidate, true
	}
	return time.Time{}, false
}

func (s Schedule) excludes(day time.Weekday) bool {
	return slices.Contains(s.ExcludedDays, day)
}

func (s Schedule) location() *time.Location {
	if s.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseClock converts an HH:mm string into minutes since midnight.
func parseClock(v string) (int, bool) {
	hh, mm, found := strings.Cut(strings.TrimSpace(v), ":")
	if !found {
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
