package stats

import (
	"time"
)

// Bucketer resolves a reading's start-of-interval instant within the
// batch's local day. ok is false when the reading's time description
// could not be parsed and the start-of-day fallback was applied.
type Bucketer interface {
	Bucket(day time.Time, r Reading, loc *time.Location) (start time.Time, ok bool)
}

// HourlyBucketer places readings by their 12-hour clock label
// ("12:00 AM", "1:00 PM"). Unparseable labels fall back to the start of
// the day, which is lossy but keeps the rest of the batch importable.
type HourlyBucketer struct{}

func (HourlyBucketer) Bucket(day time.Time, r Reading, loc *time.Location) (time.Time, bool) {
	t, err := time.Parse("3:04 PM", r.Label)
	if err != nil {
		return localInstant(day, 0, 0, loc), false
	}
	return localInstant(day, t.Hour(), t.Minute(), loc), true
}

// QuarterHourBucketer places readings by their explicit hour and minute
// fields (minute is 0, 15, 30 or 45 as reported by the portal).
type QuarterHourBucketer struct{}

func (QuarterHourBucketer) Bucket(day time.Time, r Reading, loc *time.Location) (time.Time, bool) {
	return localInstant(day, r.Hour, r.Minute, loc), true
}

// DailyBucketer places whole-day readings at local midnight of their own
// date. Rows without a date fall back to the batch day.
type DailyBucketer struct{}

func (DailyBucketer) Bucket(day time.Time, r Reading, loc *time.Location) (time.Time, bool) {
	if !r.Day.IsZero() {
		day = r.Day
	}
	return localInstant(day, 0, 0, loc), true
}

// localInstant substitutes the clock time into the local day and converts
// to UTC. The offset is evaluated for that specific date, so days around
// daylight-saving transitions bucket with the offset in effect then.
func localInstant(day time.Time, hour, minute int, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc).UTC()
}
