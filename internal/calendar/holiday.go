package calendar

import "time"

type fixedHoliday struct {
	month time.Month
	day   int
	name  string
}

var fixedHolidays = []fixedHoliday{
	{month: time.January, day: 1, name: "New Year's Day"},
	{month: time.February, day: 14, name: "Valentine's Day"},
	{month: time.March, day: 17, name: "St. Patrick's Day"},
	{month: time.April, day: 1, name: "April Fools' Day"},
	{month: time.July, day: 4, name: "Independence Day"},
	{month: time.October, day: 31, name: "Halloween"},
	{month: time.November, day: 11, name: "Veterans Day"},
	{month: time.December, day: 24, name: "Christmas Eve"},
	{month: time.December, day: 25, name: "Christmas Day"},
	{month: time.December, day: 31, name: "New Year's Eve"},
}

// Holiday returns the name of the US holiday falling on key, or an empty string.
func Holiday(key DateKey) string {
	day := key.Time()
	if day.IsZero() {
		return ""
	}
	year, month, dayOfMonth := day.Date()

	for _, holiday := range fixedHolidays {
		if holiday.month == month && holiday.day == dayOfMonth {
			return holiday.name
		}
	}

	switch {
	case month == time.January && dayOfMonth == nthWeekday(year, time.January, time.Monday, 3):
		return "Martin Luther King Jr. Day"
	case month == time.February && dayOfMonth == nthWeekday(year, time.February, time.Monday, 3):
		return "Presidents' Day"
	}

	easterMonth, easterDay := EasterSunday(year)
	if month == easterMonth && dayOfMonth == easterDay {
		return "Easter Sunday"
	}

	switch {
	case month == time.May && dayOfMonth == lastWeekday(year, time.May, time.Monday):
		return "Memorial Day"
	case month == time.September && dayOfMonth == nthWeekday(year, time.September, time.Monday, 1):
		return "Labor Day"
	case month == time.October && dayOfMonth == nthWeekday(year, time.October, time.Monday, 2):
		return "Columbus Day"
	case month == time.November && dayOfMonth == nthWeekday(year, time.November, time.Thursday, 4):
		return "Thanksgiving"
	}
	return ""
}

// EasterSunday computes Easter using the anonymous Gregorian algorithm.
func EasterSunday(year int) (time.Month, int) {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Month(month), day
}

// nthWeekday returns the day of month of the n-th weekday (1-based) in month.
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) int {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Weekday()
	offset := (int(weekday) - int(first) + 7) % 7
	return 1 + offset + (n-1)*7
}

func lastWeekday(year int, month time.Month, weekday time.Weekday) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	diff := (int(last.Weekday()) - int(weekday) + 7) % 7
	return last.Day() - diff
}
