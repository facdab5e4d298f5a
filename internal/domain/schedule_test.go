package domain

import (
	"testing"
	"time"
	_ "time/tzdata"
)

// 2024-01-01 is a Monday.
func at(day, hour, minute int) time.Time {
	return time.Date(2024, 1, day, hour, minute, 0, 0, time.UTC)
}

func TestScheduleIsWithinDisabled(t *testing.T) {
	s := Schedule{Enabled: false, StartTime: "09:00", PauseTime: "10:00", ExcludedDays: []time.Weekday{time.Monday}}
	if !s.IsWithin(at(1, 3, 0)) {
		t.Fatalf("disabled schedule must always permit sending")
	}
}

func TestScheduleIsWithinSameDayWindow(t *testing.T) {
	s := Schedule{Enabled: true, StartTime: "09:00", PauseTime: "17:00", TimeZone: "UTC"}

	cases := []struct {
		now  time.Time
		want bool
	}{
		{at(1, 8, 59), false},
		{at(1, 9, 0), true},
		{at(1, 12, 30), true},
		{at(1, 17, 0), true},
		{at(1, 17, 1), false},
	}
	for _, tc := range cases {
		if got := s.IsWithin(tc.now); got != tc.want {
			t.Errorf("IsWithin(%s) = %v, want %v", tc.now.Format("15:04"), got, tc.want)
		}
	}
}

func TestScheduleIsWithinAcrossMidnight(t *testing.T) {
	s := Schedule{Enabled: true, StartTime: "22:00", PauseTime: "06:00", TimeZone: "UTC"}

	cases := []struct {
		now  time.Time
		want bool
	}{
		{at(1, 23, 30), true},
		{at(1, 10, 0), false},
		{at(2, 5, 59), true},
		{at(2, 6, 0), true},
		{at(2, 6, 1), false},
		{at(1, 21, 59), false},
	}
	for _, tc := range cases {
		if got := s.IsWithin(tc.now); got != tc.want {
			t.Errorf("IsWithin(%s) = %v, want %v", tc.now.Format("15:04"), got, tc.want)
		}
		if again := s.IsWithin(tc.now); again != tc.want {
			t.Errorf("IsWithin(%s) not deterministic", tc.now.Format("15:04"))
		}
	}
}

func TestScheduleIsWithinExcludedWeekday(t *testing.T) {
	s := Schedule{Enabled: true, StartTime: "00:00", PauseTime: "23:59", ExcludedDays: []time.Weekday{time.Monday}}
	for hour := 0; hour < 24; hour++ {
		if s.IsWithin(at(1, hour, 0)) {
			t.Fatalf("monday %02d:00 should be excluded", hour)
		}
	}
	if !s.IsWithin(at(2, 12, 0)) {
		t.Fatalf("tuesday should be permitted")
	}
}

func TestScheduleIsWithinNoTimes(t *testing.T) {
	s := Schedule{Enabled: true, ExcludedDays: []time.Weekday{time.Sunday}}
	if !s.IsWithin(at(1, 3, 0)) {
		t.Fatalf("schedule without times should only constrain weekdays")
	}
	if s.IsWithin(at(7, 3, 0)) {
		t.Fatalf("sunday should be excluded")
	}
}

func TestScheduleIsWithinUsesTimezone(t *testing.T) {
	s := Schedule{Enabled: true, StartTime: "08:00", PauseTime: "10:00", TimeZone: "America/Sao_Paulo"}
	// 12:00 UTC is 09:00 in Sao Paulo
	if !s.IsWithin(at(1, 12, 0)) {
		t.Fatalf("expected 09:00 local to be inside the window")
	}
	if s.IsWithin(at(1, 9, 0)) {
		t.Fatalf("expected 06:00 local to be outside the window")
	}
}

func TestScheduleNextRun(t *testing.T) {
	s := Schedule{Enabled: true, StartTime: "09:00", PauseTime: "17:00", TimeZone: "UTC"}

	next, ok := s.NextRun(at(1, 18, 0))
	if !ok {
		t.Fatalf("expected a next run")
	}
	if want := at(2, 9, 0); !next.Equal(want) {
		t.Fatalf("next run = %v, want %v", next, want)
	}

	next, ok = s.NextRun(at(1, 7, 0))
	if !ok || !next.Equal(at(1, 9, 0)) {
		t.Fatalf("next run = %v, want same day 09:00", next)
	}
}

func TestScheduleNextRunSkipsExcludedDays(t *testing.T) {
	s := Schedule{
		Enabled:      true,
		StartTime:    "09:00",
		PauseTime:    "17:00",
		ExcludedDays: []time.Weekday{time.Saturday, time.Sunday},
	}
	// Friday 2024-01-05 after the window closes
	next, ok := s.NextRun(at(5, 18, 0))
	if !ok {
		t.Fatalf("expected a next run")
	}
	if want := at(8, 9, 0); !next.Equal(want) {
		t.Fatalf("next run = %v, want monday %v", next, want)
	}
}

func TestScheduleNextRunAllDaysExcluded(t *testing.T) {
	s := Schedule{
		Enabled:   true,
		StartTime: "09:00",
		ExcludedDays: []time.Weekday{
			time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
			time.Thursday, time.Friday, time.Saturday,
		},
	}
	if _, ok := s.NextRun(at(1, 12, 0)); ok {
		t.Fatalf("expected no next run when every weekday is excluded")
	}
}

func TestScheduleValidate(t *testing.T) {
	bad := []Schedule{
		{StartTime: "25:00"},
		{PauseTime: "9am"},
		{TimeZone: "Mars/Olympus"},
		{ExcludedDays: []time.Weekday{7}},
	}
	for _, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("expected validation error for %+v", s)
		}
	}
	good := Schedule{Enabled: true, StartTime: "22:00", PauseTime: "06:00", TimeZone: "UTC", ExcludedDays: []time.Weekday{0, 6}}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
