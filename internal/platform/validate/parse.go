// Package validate parses the date and timestamp strings accepted at the
// boundary and checks per-field constraints before entities are built.
//
// Timestamps are civil (wall-clock) values. They are parsed and stored as
// UTC-labelled wall times, and "now" is produced the same way from the
// configured zone, so comparisons never shift by the zone offset.
package validate

import (
	"regexp"
	"strings"
	"time"

	"github.com/intellisoft/digitalhealth/internal/platform/fault"
)

const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02 15:04:05"
)

var (
	datePattern      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)
)

// ParseCalendarDate parses text strictly as YYYY-MM-DD. Surrounding
// whitespace is ignored; impossible dates such as 2024-02-30 are rejected.
func ParseCalendarDate(text string) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fault.InvalidFormat("", "Date cannot be null or empty")
	}
	if !datePattern.MatchString(text) {
		return time.Time{}, invalidDate(text)
	}
	t, err := time.Parse(DateLayout, text)
	if err != nil {
		return time.Time{}, invalidDate(text)
	}
	return t, nil
}

// ParseTimestamp parses text strictly as YYYY-MM-DD HH:MM:SS. Unlike
// ParseCalendarDate it does not trim, so surrounding whitespace is rejected.
func ParseTimestamp(text string) (time.Time, error) {
	if text == "" {
		return time.Time{}, fault.InvalidFormat("", "Date time cannot be null or empty")
	}
	if !timestampPattern.MatchString(text) {
		return time.Time{}, invalidTimestamp(text)
	}
	t, err := time.Parse(TimestampLayout, text)
	if err != nil {
		return time.Time{}, invalidTimestamp(text)
	}
	return t, nil
}

func FormatDate(t time.Time) string { return t.Format(DateLayout) }

func FormatTimestamp(t time.Time) string { return t.Format(TimestampLayout) }

func invalidDate(text string) error {
	return fault.InvalidFormat("", "Invalid date format. Expected: yyyy-MM-dd (e.g., 1996-08-09), but got: "+text)
}

func invalidTimestamp(text string) error {
	return fault.InvalidFormat("", "Invalid date time format. Expected: yyyy-MM-dd HH:mm:ss (e.g., 2025-11-01 10:30:15), but got: "+text)
}

// Field parses a required date or timestamp field, attributing any fault to
// the field name.
func Field(field, text string, parse func(string) (time.Time, error)) (time.Time, error) {
	t, err := parse(text)
	if err != nil {
		if f, ok := fault.As(err); ok {
			return time.Time{}, f.WithField(field)
		}
		return time.Time{}, err
	}
	return t, nil
}

// Clock returns the current civil time in loc, labelled UTC.
func Clock(loc *time.Location) func() time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return func() time.Time {
		return Civil(time.Now().In(loc))
	}
}

// Civil drops the zone of t, keeping its wall-clock reading.
func Civil(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}
