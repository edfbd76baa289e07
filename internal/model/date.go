package model

import "time"

const DateLayout = "2006-01-02"

// CivilDate drops the clock and zone from t, keeping its calendar date as
// midnight UTC so dates from different sources compare directly.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today is the calendar date of now as observed in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	return CivilDate(now.In(loc))
}

func FormatDate(t time.Time) string {
	return CivilDate(t).Format(DateLayout)
}
