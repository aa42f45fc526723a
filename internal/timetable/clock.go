package timetable

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday resolves a day name, full or abbreviated, case-insensitively.
func ParseWeekday(name string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown day of week: %q", name)
	}
	return wd, nil
}

var clockLayouts = []string{
	"3:04 PM",
	"3:04:05 PM",
	"3:04PM",
	"3:04:05PM",
	"15:04",
	"15:04:05",
}

// ParseClock interprets a timetable time cell as an hour/minute pair. It
// accepts 12-hour clock strings ("11:02 PM"), 24-hour strings ("23:02") and
// spreadsheet serial fractions of a day ("0.95486" is 22:55).
func ParseClock(value string) (hour, minute int, err error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, 0, fmt.Errorf("empty time value")
	}

	if f, ferr := strconv.ParseFloat(v, 64); ferr == nil {
		if f < 0 || f >= 1 {
			return 0, 0, fmt.Errorf("serial time %v out of range [0,1)", f)
		}
		totalMinutes := int(f*24*60 + 0.5)
		return (totalMinutes / 60) % 24, totalMinutes % 60, nil
	}

	upper := strings.ToUpper(v)
	for _, layout := range clockLayouts {
		if t, perr := time.Parse(layout, upper); perr == nil {
			return t.Hour(), t.Minute(), nil
		}
	}
	return 0, 0, fmt.Errorf("invalid time value: %q", value)
}

// NextOccurrence returns the first instant on or after now that falls on the
// given weekday at hour:minute in now's location. A time already past for
// this week resolves to the same weekday next week, never to a past instant.
func NextOccurrence(now time.Time, wd time.Weekday, hour, minute int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	for candidate.Weekday() != wd {
		candidate = candidate.AddDate(0, 0, 1)
	}
	if candidate.Before(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

// ResolveWindow turns a timetable row's weekday and clock strings into the
// absolute window of its next occurrence. The end is anchored to the start's
// date; an end clock at or before the start clock rolls over to the next day
// (overnight windows).
func ResolveWindow(now time.Time, dayOfWeek, startClock, endClock string) (start, end time.Time, wd time.Weekday, err error) {
	wd, err = ParseWeekday(dayOfWeek)
	if err != nil {
		return start, end, wd, err
	}
	startHour, startMin, err := ParseClock(startClock)
	if err != nil {
		return start, end, wd, fmt.Errorf("start time: %w", err)
	}
	endHour, endMin, err := ParseClock(endClock)
	if err != nil {
		return start, end, wd, fmt.Errorf("end time: %w", err)
	}

	start = NextOccurrence(now, wd, startHour, startMin)
	end = time.Date(start.Year(), start.Month(), start.Day(), endHour, endMin, 0, 0, start.Location())
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return start, end, wd, nil
}
