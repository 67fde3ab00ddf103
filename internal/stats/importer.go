package stats

import (
	"context"
	"fmt"
	"time"
)

// Importer converts ordered interval readings into cumulative statistic
// points and upserts them as one batch. Imports are idempotent for a
// fixed series, day and reading set: points are keyed by start timestamp,
// so re-running an import overwrites the same points with the same
// values.
type Importer struct {
	store    Store
	resolver *Resolver
}

func NewImporter(store Store) *Importer {
	return &Importer{store: store, resolver: NewResolver(store)}
}

// ImportResult reports what one import call did.
type ImportResult struct {
	Points           int
	Baseline         float64
	BaselineAnchored bool    // a pre-day point supplied the baseline
	Total            float64 // running total after the last point
	MalformedLabels  int     // readings bucketed to start of day
}

// ImportDay imports one local calendar day of readings for the series.
// Readings are consumed in the given order and must be chronologically
// ascending. An empty reading list performs no store access and reports
// zero points imported.
func (im *Importer) ImportDay(ctx context.Context, meta Metadata, day time.Time, loc *time.Location, bucketer Bucketer, readings []Reading) (ImportResult, error) {
	if len(readings) == 0 {
		return ImportResult{}, nil
	}

	dayStart := DayStart(day, loc)
	baseline, anchored, err := im.resolver.Baseline(ctx, meta.StatisticID, dayStart)
	if err != nil {
		return ImportResult{}, fmt.Errorf("resolving baseline for %s: %w", meta.StatisticID, err)
	}

	result := ImportResult{Baseline: baseline, BaselineAnchored: anchored}
	running := baseline
	points := make([]Point, 0, len(readings))
	for _, r := range readings {
		start, ok := bucketer.Bucket(day, r, loc)
		if !ok {
			result.MalformedLabels++
		}
		running += r.Gallons
		points = append(points, Point{Start: start, Value: r.Gallons, Sum: running})
	}

	if err := im.store.Upsert(ctx, meta, points); err != nil {
		return ImportResult{}, fmt.Errorf("upserting %d points for %s: %w", len(points), meta.StatisticID, err)
	}
	result.Points = len(points)
	result.Total = running
	return result, nil
}
