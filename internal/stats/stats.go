// Package stats turns a day's interval water readings into cumulative
// statistic points and feeds them to an external statistics store. The
// running total for each batch continues from the last value persisted
// before the target day, so repeated imports of the same day converge
// instead of double counting.
package stats

import (
	"context"
	"time"
)

// Reading is one interval's measured consumption. Hourly rows carry a
// 12-hour clock Label, quarter-hourly rows carry an explicit Hour and
// Minute, daily rows carry their own Day.
type Reading struct {
	Label   string
	Hour    int
	Minute  int
	Day     time.Time // daily granularity only; zero otherwise
	Gallons float64
}

// Point is one persisted time-series sample. Value is the interval's own
// quantity, Sum the running total up to and including this point.
type Point struct {
	Start time.Time
	Value float64
	Sum   float64
}

// StoredPoint is a previously persisted sample as returned by the store.
type StoredPoint struct {
	Start time.Time
	Sum   float64
}

// Metadata identifies the series a batch of points belongs to.
type Metadata struct {
	StatisticID string // stable series key, e.g. "waterscraper:230057301_hourly_usage"
	Name        string // display name
	Unit        string
	Source      string
	HasSum      bool
	HasMean     bool
}

// Store is the external statistics store the importer feeds. Points are
// keyed by start timestamp: upserting an existing start overwrites it,
// new starts are appended.
type Store interface {
	// Latest returns up to n of the most recent points for the series,
	// newest first. An unknown series yields an empty slice.
	Latest(ctx context.Context, statisticID string, n int) ([]StoredPoint, error)

	// Upsert merges all points into the series in one batch, creating
	// the series from meta if it does not exist yet.
	Upsert(ctx context.Context, meta Metadata, points []Point) error
}

// DayStart returns the UTC instant at which the given local calendar day
// begins in loc. The zone offset is the one in effect on that date.
func DayStart(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc).UTC()
}
