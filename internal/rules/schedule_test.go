package rules

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", name, err)
	}
	return loc
}

func TestIsScheduledAlways(t *testing.T) {
	times := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 15, 23, 59, 59, 0, time.UTC),
		time.Now(),
	}
	for _, now := range times {
		if !IsScheduled(ScheduleAlways, &ScheduleConfig{}, now, time.UTC) {
			t.Errorf("always schedule rejected %v", now)
		}
	}
}

func TestIsScheduledTimeWindow(t *testing.T) {
	kolkata := mustLoc(t, "Asia/Kolkata")
	// Weekdays 06:00–22:00 factory-local.
	sc := &ScheduleConfig{Days: []int{1, 2, 3, 4, 5}, StartTime: "06:00", EndTime: "22:00"}

	tests := []struct {
		name  string
		local time.Time
		want  bool
	}{
		// 2024-06-15 is a Saturday, 2024-06-17 a Monday.
		{"saturday_excluded", time.Date(2024, 6, 15, 10, 0, 0, 0, kolkata), false},
		{"monday_2159_included", time.Date(2024, 6, 17, 21, 59, 0, 0, kolkata), true},
		{"monday_2201_excluded", time.Date(2024, 6, 17, 22, 1, 0, 0, kolkata), false},
		{"monday_0559_excluded", time.Date(2024, 6, 17, 5, 59, 0, 0, kolkata), false},
		{"window_end_inclusive", time.Date(2024, 6, 17, 22, 0, 0, 0, kolkata), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Evaluate from UTC instants; the predicate converts to the zone.
			if got := IsScheduled(ScheduleTimeWindow, sc, tt.local.UTC(), kolkata); got != tt.want {
				t.Errorf("IsScheduled(%v) = %v, want %v", tt.local, got, tt.want)
			}
		})
	}
}

func TestIsScheduledMidnightWrap(t *testing.T) {
	// 22:00–06:00 wraps past midnight.
	sc := &ScheduleConfig{Days: []int{0, 1, 2, 3, 4, 5, 6}, StartTime: "22:00", EndTime: "06:00"}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before_midnight", time.Date(2024, 6, 17, 23, 30, 0, 0, time.UTC), true},
		{"after_midnight", time.Date(2024, 6, 18, 3, 0, 0, 0, time.UTC), true},
		{"midday_excluded", time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC), false},
		{"window_start", time.Date(2024, 6, 17, 22, 0, 0, 0, time.UTC), true},
		{"window_end", time.Date(2024, 6, 18, 6, 0, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsScheduled(ScheduleTimeWindow, sc, tt.now, time.UTC); got != tt.want {
				t.Errorf("IsScheduled = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsScheduledDateRange(t *testing.T) {
	sc := &ScheduleConfig{StartDate: "2024-06-01", EndDate: "2024-06-30"}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"inside", time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC), true},
		{"first_day", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), true},
		{"last_day", time.Date(2024, 6, 30, 23, 59, 0, 0, time.UTC), true},
		{"before", time.Date(2024, 5, 31, 23, 59, 0, 0, time.UTC), false},
		{"after", time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsScheduled(ScheduleDateRange, sc, tt.now, time.UTC); got != tt.want {
				t.Errorf("IsScheduled = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseScheduleConfig(t *testing.T) {
	t.Run("always_allows_empty", func(t *testing.T) {
		if _, err := ParseScheduleConfig(ScheduleAlways, nil); err != nil {
			t.Errorf("ParseScheduleConfig: %v", err)
		}
	})

	t.Run("time_window_requires_days", func(t *testing.T) {
		if _, err := ParseScheduleConfig(ScheduleTimeWindow, []byte(`{"start_time":"06:00","end_time":"22:00"}`)); err == nil {
			t.Error("accepted time_window without days")
		}
	})

	t.Run("bad_weekday_rejected", func(t *testing.T) {
		if _, err := ParseScheduleConfig(ScheduleTimeWindow, []byte(`{"days":[7],"start_time":"06:00","end_time":"22:00"}`)); err == nil {
			t.Error("accepted weekday 7")
		}
	})

	t.Run("bad_clock_rejected", func(t *testing.T) {
		if _, err := ParseScheduleConfig(ScheduleTimeWindow, []byte(`{"days":[1],"start_time":"25:00","end_time":"22:00"}`)); err == nil {
			t.Error("accepted clock 25:00")
		}
	})

	t.Run("date_range_requires_dates", func(t *testing.T) {
		if _, err := ParseScheduleConfig(ScheduleDateRange, []byte(`{"start_date":"2024-06-01"}`)); err == nil {
			t.Error("accepted date_range without end_date")
		}
	})

	t.Run("unknown_type_rejected", func(t *testing.T) {
		if _, err := ParseScheduleConfig("cron", []byte(`{}`)); err == nil {
			t.Error("accepted unknown schedule type")
		}
	})
}
