package stats

import (
	"context"
	"sort"
	"time"
)

// fakeStore keeps series in memory keyed by start timestamp, mirroring
// the merge semantics of the real backends.
type fakeStore struct {
	meta        map[string]Metadata
	points      map[string]map[int64]Point
	latestErr   error
	upsertErr   error
	latestCalls int
	upsertCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		meta:   make(map[string]Metadata),
		points: make(map[string]map[int64]Point),
	}
}

func (f *fakeStore) Latest(ctx context.Context, statisticID string, n int) ([]StoredPoint, error) {
	f.latestCalls++
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	series := f.points[statisticID]
	all := make([]StoredPoint, 0, len(series))
	for _, p := range series {
		all = append(all, StoredPoint{Start: p.Start, Sum: p.Sum})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Start.After(all[j].Start) })
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (f *fakeStore) Upsert(ctx context.Context, meta Metadata, points []Point) error {
	f.upsertCalls++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.meta[meta.StatisticID] = meta
	series := f.points[meta.StatisticID]
	if series == nil {
		series = make(map[int64]Point)
		f.points[meta.StatisticID] = series
	}
	for _, p := range points {
		series[p.Start.Unix()] = p
	}
	return nil
}

func (f *fakeStore) seed(statisticID string, start time.Time, sum float64) {
	series := f.points[statisticID]
	if series == nil {
		series = make(map[int64]Point)
		f.points[statisticID] = series
	}
	series[start.Unix()] = Point{Start: start.UTC(), Sum: sum}
}

func (f *fakeStore) pointAt(statisticID string, start time.Time) (Point, bool) {
	p, ok := f.points[statisticID][start.Unix()]
	return p, ok
}

func (f *fakeStore) sorted(statisticID string) []Point {
	series := f.points[statisticID]
	all := make([]Point, 0, len(series))
	for _, p := range series {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Start.Before(all[j].Start) })
	return all
}
