package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const dateKeyLayout = "2006-01-02"

// ErrInvalidDate indicates that a raw date value could not be parsed into a calendar date.
var ErrInvalidDate = errors.New("calendar: invalid date")

// DateKey is a canonical UTC calendar date rendered as YYYY-MM-DD.
type DateKey string

// NewDateKey normalizes an instant to the UTC calendar date it falls on.
func NewDateKey(instant time.Time) DateKey {
	return DateKey(instant.UTC().Format(dateKeyLayout))
}

// ParseDateKey accepts either a bare YYYY-MM-DD date or an RFC 3339 timestamp.
func ParseDateKey(rawInput string) (DateKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	if parsed, err := time.Parse(dateKeyLayout, trimmed); err == nil {
		return NewDateKey(parsed), nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, trimmed)
	}
	return NewDateKey(parsed), nil
}

// String returns the YYYY-MM-DD form.
func (key DateKey) String() string {
	return string(key)
}

// Time returns UTC midnight of the date.
func (key DateKey) Time() time.Time {
	parsed, err := time.Parse(dateKeyLayout, string(key))
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

// Previous returns the calendar date immediately before key.
func (key DateKey) Previous() DateKey {
	return NewDateKey(key.Time().AddDate(0, 0, -1))
}

// Valid reports whether key holds a parseable date.
func (key DateKey) Valid() bool {
	_, err := time.Parse(dateKeyLayout, string(key))
	return err == nil
}

// Seed derives the deterministic generation seed for a date as YYYYMMDD.
func Seed(key DateKey) int64 {
	day := key.Time()
	return int64(day.Year())*10000 + int64(day.Month())*100 + int64(day.Day())
}
