// Package cronspec builds, validates, and describes the 5-field cron
// expressions (minute hour day month weekday) used for recurring mailing
// jobs. Day-of-month is deliberately capped at 28 so a monthly schedule can
// never land on a date that does not exist in every month.
package cronspec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidTime         = errors.New("cronspec: time must be HH:MM")
	ErrInvalidIntervalType = errors.New("cronspec: interval type must be daily, weekly or monthly")
	ErrMissingWeekday      = errors.New("cronspec: weekly schedule requires a weekday")
	ErrInvalidWeekday      = errors.New("cronspec: weekday must be 0..6 (0 = Sunday)")
	ErrMissingMonthday     = errors.New("cronspec: monthly schedule requires a day of month")
	ErrInvalidMonthday     = errors.New("cronspec: day of month must be 1..28")
	ErrInvalidExpression   = errors.New("cronspec: invalid cron expression")
)

var weekdayNames = map[string]string{
	"0": "Sunday",
	"1": "Monday",
	"2": "Tuesday",
	"3": "Wednesday",
	"4": "Thursday",
	"5": "Friday",
	"6": "Saturday",
}

// parser accepts exactly the 5 standard fields, no descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Build constructs a cron expression from a schedule form: an interval type
// ("daily", "weekly", "monthly"), a HH:MM time, and the weekday or monthday
// the interval type requires.
func Build(intervalType, timeStr, weekday, monthday string) (string, error) {
	hour, minute, err := parseTime(timeStr)
	if err != nil {
		return "", err
	}

	switch intervalType {
	case "daily":
		return fmt.Sprintf("%d %d * * *", minute, hour), nil

	case "weekly":
		if weekday == "" {
			return "", ErrMissingWeekday
		}
		wd, err := strconv.Atoi(weekday)
		if err != nil || wd < 0 || wd > 6 {
			return "", ErrInvalidWeekday
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, wd), nil

	case "monthly":
		if monthday == "" {
			return "", ErrMissingMonthday
		}
		md, err := strconv.Atoi(monthday)
		if err != nil || md < 1 || md > 28 {
			return "", ErrInvalidMonthday
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, md), nil

	default:
		return "", ErrInvalidIntervalType
	}
}

func parseTime(timeStr string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(timeStr, ":")
	if !ok {
		return 0, 0, ErrInvalidTime
	}
	hour, err = strconv.Atoi(h)
	if err != nil {
		return 0, 0, ErrInvalidTime
	}
	minute, err = strconv.Atoi(m)
	if err != nil {
		return 0, 0, ErrInvalidTime
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, ErrInvalidTime
	}
	return hour, minute, nil
}

// Validate checks that expr has exactly 5 fields, each either "*" or an
// integer within range (minute 0..59, hour 0..23, day 1..28, month 1..12,
// weekday 0..6).
func Validate(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("%w: %q has %d fields, want 5", ErrInvalidExpression, expr, len(fields))
	}

	ranges := []struct {
		name     string
		min, max int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day", 1, 28},
		{"month", 1, 12},
		{"weekday", 0, 6},
	}

	for i, f := range fields {
		if f == "*" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return fmt.Errorf("%w: %s field %q is not an integer", ErrInvalidExpression, ranges[i].name, f)
		}
		if n < ranges[i].min || n > ranges[i].max {
			return fmt.Errorf("%w: %s %d out of range %d..%d",
				ErrInvalidExpression, ranges[i].name, n, ranges[i].min, ranges[i].max)
		}
	}

	return nil
}

// Parse validates expr and returns its schedule for trigger computation.
func Parse(expr string) (cron.Schedule, error) {
	if err := Validate(expr); err != nil {
		return nil, err
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, errors.Join(ErrInvalidExpression, err)
	}
	return schedule, nil
}

// Describe renders a cron expression as a human-readable schedule, e.g.
// "Daily at 09:30". Expressions outside the shapes Build produces fall back
// to "Cron: <expr>"; invalid expressions are labeled as such.
func Describe(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Sprintf("Invalid cron expression: %s", expr)
	}
	minute, hour, day, month, weekday := fields[0], fields[1], fields[2], fields[3], fields[4]

	t := hour + ":" + minute
	if h, err := strconv.Atoi(hour); err == nil {
		if m, err := strconv.Atoi(minute); err == nil {
			t = fmt.Sprintf("%02d:%02d", h, m)
		}
	}

	switch {
	case day == "*" && month == "*" && weekday == "*":
		return fmt.Sprintf("Daily at %s", t)
	case weekday != "*" && day == "*" && month == "*":
		name, ok := weekdayNames[weekday]
		if !ok {
			name = weekday
		}
		return fmt.Sprintf("Weekly on %s at %s", name, t)
	case day != "*" && month == "*" && weekday == "*":
		return fmt.Sprintf("Monthly on day %s at %s", day, t)
	default:
		return fmt.Sprintf("Cron: %s", expr)
	}
}
