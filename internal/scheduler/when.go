package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseWhen converts a human time expression into an absolute time.
// Accepted forms: Go durations ("30m"), "in <n> <unit>", RFC3339,
// "2006-01-02 15:04" and clock times ("17:30", "5:30pm") which roll to
// tomorrow when already past. Local forms are read in loc.
func ParseWhen(when string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.ToLower(strings.TrimSpace(when))
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}

	if dur, err := time.ParseDuration(s); err == nil {
		if dur <= 0 {
			return time.Time{}, fmt.Errorf("duration must be positive: %s", when)
		}
		return now.Add(dur), nil
	}

	if rest, ok := strings.CutPrefix(s, "in "); ok {
		dur, err := parseHumanDuration(rest)
		if err != nil {
			return time.Time{}, fmt.Errorf("could not parse %q: %w", when, err)
		}
		return now.Add(dur), nil
	}

	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(when)); err == nil {
		return t, nil
	}

	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02t15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}

	local := now.In(loc)
	for _, layout := range []string{"15:04", "3:04pm", "3:04 pm", "3pm", "3 pm"} {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		at := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if !at.After(now) {
			at = time.Date(local.Year(), local.Month(), local.Day()+1, t.Hour(), t.Minute(), 0, 0, loc)
		}
		return at, nil
	}

	return time.Time{}, fmt.Errorf("could not parse time: %s", when)
}

// parseHumanDuration parses "<n> <unit>" such as "20 minutes" or
// "2 hours".
func parseHumanDuration(s string) (time.Duration, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected '<number> <unit>'")
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid count %q", parts[0])
	}

	unit := parts[1]
	var base time.Duration
	switch {
	case strings.HasPrefix(unit, "sec"):
		base = time.Second
	case strings.HasPrefix(unit, "min"):
		base = time.Minute
	case strings.HasPrefix(unit, "hour"), unit == "hr", unit == "hrs":
		base = time.Hour
	case strings.HasPrefix(unit, "day"):
		base = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown unit: %s", unit)
	}
	return time.Duration(n) * base, nil
}
