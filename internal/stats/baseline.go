package stats

import (
	"context"
	"fmt"
	"time"
)

// DefaultLookback bounds how many persisted points the resolver searches
// when the newest point already belongs to the day being imported. Two
// days of hourly points is enough to step over any partial same-day
// import.
const DefaultLookback = 48

// Resolver finds the cumulative value an import batch should continue
// from: the sum of the latest point persisted strictly before the target
// day starts.
type Resolver struct {
	store    Store
	lookback int
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, lookback: DefaultLookback}
}

// Baseline returns the running total to resume from for a batch whose
// local day begins at dayStart (UTC). anchored is false when no point
// before the day exists, either because the series is new or because the
// bounded lookback ran out; the returned baseline is then 0, which may
// under-count but never drives the running total backward.
func (r *Resolver) Baseline(ctx context.Context, statisticID string, dayStart time.Time) (baseline float64, anchored bool, err error) {
	latest, err := r.store.Latest(ctx, statisticID, 1)
	if err != nil {
		return 0, false, fmt.Errorf("querying latest statistic: %w", err)
	}
	if len(latest) == 0 {
		return 0, false, nil
	}
	if latest[0].Start.Before(dayStart) {
		return latest[0].Sum, true, nil
	}

	// The newest point is on or after the day being imported, so its sum
	// already includes part of this day. Search back for the last point
	// that still precedes the day.
	history, err := r.store.Latest(ctx, statisticID, r.lookback)
	if err != nil {
		return 0, false, fmt.Errorf("querying statistic history: %w", err)
	}
	for _, p := range history {
		if p.Start.Before(dayStart) {
			return p.Sum, true, nil
		}
	}
	return 0, false, nil
}
