package rules

import (
	"encoding/json"
	"fmt"
	"time"
)

// Schedule types.
const (
	ScheduleAlways     = "always"
	ScheduleTimeWindow = "time_window"
	ScheduleDateRange  = "date_range"
)

// ScheduleConfig holds the schedule parameters for time_window and
// date_range rules. Times are "HH:MM" wall-clock in the factory's zone;
// dates are "2006-01-02". Days uses time.Weekday numbering (Sunday = 0).
type ScheduleConfig struct {
	Days      []int  `json:"days,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

// ParseScheduleConfig decodes and validates a schedule_config blob for the
// given schedule type. A nil/empty blob is valid only for "always".
func ParseScheduleConfig(scheduleType string, data []byte) (*ScheduleConfig, error) {
	switch scheduleType {
	case ScheduleAlways:
		return &ScheduleConfig{}, nil
	case ScheduleTimeWindow, ScheduleDateRange:
	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("schedule type %q requires schedule_config", scheduleType)
	}
	var sc ScheduleConfig
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode schedule_config: %w", err)
	}

	if scheduleType == ScheduleTimeWindow {
		if len(sc.Days) == 0 {
			return nil, fmt.Errorf("time_window schedule requires days")
		}
		for _, d := range sc.Days {
			if d < 0 || d > 6 {
				return nil, fmt.Errorf("invalid weekday %d", d)
			}
		}
		if _, err := parseClock(sc.StartTime); err != nil {
			return nil, fmt.Errorf("start_time: %w", err)
		}
		if _, err := parseClock(sc.EndTime); err != nil {
			return nil, fmt.Errorf("end_time: %w", err)
		}
	} else {
		if _, err := time.Parse("2006-01-02", sc.StartDate); err != nil {
			return nil, fmt.Errorf("start_date: %w", err)
		}
		if _, err := time.Parse("2006-01-02", sc.EndDate); err != nil {
			return nil, fmt.Errorf("end_date: %w", err)
		}
	}
	return &sc, nil
}

// parseClock parses "HH:MM" into minutes past midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

// IsScheduled reports whether the rule's schedule admits firing at the
// given instant, evaluated in the factory's timezone.
func IsScheduled(scheduleType string, sc *ScheduleConfig, now time.Time, loc *time.Location) bool {
	switch scheduleType {
	case ScheduleAlways:
		return true
	case ScheduleTimeWindow:
		return inTimeWindow(sc, now.In(loc))
	case ScheduleDateRange:
		return inDateRange(sc, now.In(loc))
	default:
		return false
	}
}

func inTimeWindow(sc *ScheduleConfig, local time.Time) bool {
	dayOK := false
	wd := int(local.Weekday())
	for _, d := range sc.Days {
		if d == wd {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}

	start, err := parseClock(sc.StartTime)
	if err != nil {
		return false
	}
	end, err := parseClock(sc.EndTime)
	if err != nil {
		return false
	}
	minute := local.Hour()*60 + local.Minute()

	if end < start {
		// Window wraps past midnight, e.g. 22:00–06:00.
		return minute >= start || minute <= end
	}
	return minute >= start && minute <= end
}

func inDateRange(sc *ScheduleConfig, local time.Time) bool {
	start, err := time.Parse("2006-01-02", sc.StartDate)
	if err != nil {
		return false
	}
	end, err := time.Parse("2006-01-02", sc.EndDate)
	if err != nil {
		return false
	}
	date := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	return !date.Before(start) && !date.After(end)
}
