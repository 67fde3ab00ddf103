package runner

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jgoulah/waterscraper/internal/acwd"
	"github.com/jgoulah/waterscraper/internal/database"
	"github.com/jgoulah/waterscraper/internal/stats"
	"github.com/jgoulah/waterscraper/pkg/models"
)

type fakeSource struct {
	hourly       map[string][]acwd.HourlyReading
	quarter      map[string][]acwd.QuarterReading
	daily        []acwd.DailyReading
	err          error
	hourlyCalls  int
	quarterCalls int
	dailyCalls   int
}

func (f *fakeSource) HourlyUsage(ctx context.Context, day time.Time) ([]acwd.HourlyReading, error) {
	f.hourlyCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.hourly[day.Format(dateLayout)], nil
}

func (f *fakeSource) QuarterHourlyUsage(ctx context.Context, day time.Time) ([]acwd.QuarterReading, error) {
	f.quarterCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.quarter[day.Format(dateLayout)], nil
}

func (f *fakeSource) DailyUsage(ctx context.Context, from, to time.Time) ([]acwd.DailyReading, error) {
	f.dailyCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.daily, nil
}

type memStore struct {
	meta    map[string]stats.Metadata
	points  map[string][]stats.Point
	upserts int
}

var _ stats.Store = (*memStore)(nil)

func (m *memStore) Latest(ctx context.Context, statisticID string, n int) ([]stats.StoredPoint, error) {
	pts := m.points[statisticID]
	out := make([]stats.StoredPoint, 0, n)
	for i := len(pts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, stats.StoredPoint{Start: pts[i].Start, Sum: pts[i].Sum})
	}
	return out, nil
}

func (m *memStore) Upsert(ctx context.Context, meta stats.Metadata, points []stats.Point) error {
	if m.meta == nil {
		m.meta = make(map[string]stats.Metadata)
		m.points = make(map[string][]stats.Point)
	}
	m.meta[meta.StatisticID] = meta
	for _, p := range points {
		merged := false
		for i, old := range m.points[meta.StatisticID] {
			if old.Start.Equal(p.Start) {
				m.points[meta.StatisticID][i] = p
				merged = true
				break
			}
		}
		if !merged {
			m.points[meta.StatisticID] = append(m.points[meta.StatisticID], p)
		}
	}
	pts := m.points[meta.StatisticID]
	sort.Slice(pts, func(i, j int) bool { return pts[i].Start.Before(pts[j].Start) })
	m.upserts++
	return nil
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func laLocation(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("loading location: %v", err)
	}
	return loc
}

func testRunner(t *testing.T, src Source, store stats.Store, now time.Time) (*Runner, *database.DB) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	r := New(Options{
		Source:   src,
		DB:       db,
		Store:    store,
		Meter:    "230057301",
		Prefix:   "waterscraper",
		Location: now.Location(),
		Now:      func() time.Time { return now },
	})
	return r, db
}

func decemberTenthHourly() []acwd.HourlyReading {
	return []acwd.HourlyReading{
		{Label: "12:00 AM", Gallons: 2.17},
		{Label: "1:00 AM", Gallons: 2.69},
		{Label: "2:00 AM", Gallons: 4.11},
	}
}

func TestImportDayFromPortal(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2023, 12, 11, 8, 0, 0, 0, loc)
	src := &fakeSource{hourly: map[string][]acwd.HourlyReading{"2023-12-10": decemberTenthHourly()}}
	store := &memStore{}
	r, db := testRunner(t, src, store, now)

	day := time.Date(2023, 12, 10, 0, 0, 0, 0, time.UTC)
	result, err := r.ImportDay(context.Background(), day, models.GranularityHourly, false)
	if err != nil {
		t.Fatalf("ImportDay: %v", err)
	}
	if result.Points != 3 {
		t.Errorf("result.Points = %d, want 3", result.Points)
	}
	if result.BaselineAnchored {
		t.Error("fresh series should not report an anchored baseline")
	}
	if !almostEqual(result.Total, 8.97) {
		t.Errorf("result.Total = %v, want 8.97", result.Total)
	}

	id := "waterscraper:230057301_hourly_usage"
	pts := store.points[id]
	if len(pts) != 3 {
		t.Fatalf("store has %d points, want 3", len(pts))
	}
	// December 10 is UTC-8 in Los Angeles.
	if want := time.Date(2023, 12, 10, 8, 0, 0, 0, time.UTC); !pts[0].Start.Equal(want) {
		t.Errorf("first point start = %v, want %v", pts[0].Start, want)
	}
	if !almostEqual(pts[2].Sum, 8.97) {
		t.Errorf("last point sum = %v, want 8.97", pts[2].Sum)
	}

	meta := store.meta[id]
	if meta.Name != "Hourly Water Usage (230057301)" {
		t.Errorf("meta.Name = %q", meta.Name)
	}
	if meta.Unit != "gal" || meta.Source != "waterscraper" {
		t.Errorf("meta unit/source = %q/%q", meta.Unit, meta.Source)
	}
	if !meta.HasSum || meta.HasMean {
		t.Errorf("meta sum/mean flags = %v/%v", meta.HasSum, meta.HasMean)
	}

	rows, err := db.ReadingsForDay("230057301", models.GranularityHourly, "2023-12-10")
	if err != nil {
		t.Fatalf("ReadingsForDay: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("cached %d rows, want 3", len(rows))
	}
	unimported, err := db.UnimportedDays("230057301", models.GranularityHourly)
	if err != nil {
		t.Fatalf("UnimportedDays: %v", err)
	}
	if len(unimported) != 0 {
		t.Errorf("day was not marked imported: %v", unimported)
	}
}

func TestImportDayRejectsTodayAndFuture(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2023, 12, 11, 8, 0, 0, 0, loc)
	src := &fakeSource{}
	r, _ := testRunner(t, src, &memStore{}, now)

	for _, day := range []time.Time{
		time.Date(2023, 12, 11, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 12, 25, 0, 0, 0, 0, time.UTC),
	} {
		if _, err := r.ImportDay(context.Background(), day, models.GranularityHourly, false); err == nil {
			t.Errorf("expected error for %s", day.Format(dateLayout))
		}
	}
	if src.hourlyCalls != 0 {
		t.Errorf("portal was hit %d times for rejected days", src.hourlyCalls)
	}
}

func TestImportDayUnknownGranularity(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2023, 12, 11, 8, 0, 0, 0, loc)
	r, _ := testRunner(t, &fakeSource{}, &memStore{}, now)

	day := time.Date(2023, 12, 10, 0, 0, 0, 0, time.UTC)
	if _, err := r.ImportDay(context.Background(), day, "weekly", false); err == nil {
		t.Fatal("expected error for unknown granularity")
	}
}

func TestImportDayFromCache(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2023, 12, 11, 8, 0, 0, 0, loc)
	src := &fakeSource{err: errors.New("portal down")}
	store := &memStore{}
	r, db := testRunner(t, src, store, now)

	rows := []models.WaterReading{
		{Meter: "230057301", Granularity: models.GranularityHourly, Date: "2023-12-10", Label: "12:00 AM", Gallons: 2.17},
		{Meter: "230057301", Granularity: models.GranularityHourly, Date: "2023-12-10", Label: "1:00 AM", Gallons: 2.69},
	}
	if _, err := db.InsertReadings(rows); err != nil {
		t.Fatalf("InsertReadings: %v", err)
	}

	day := time.Date(2023, 12, 10, 0, 0, 0, 0, time.UTC)
	result, err := r.ImportDay(context.Background(), day, models.GranularityHourly, true)
	if err != nil {
		t.Fatalf("ImportDay from cache: %v", err)
	}
	if result.Points != 2 {
		t.Errorf("result.Points = %d, want 2", result.Points)
	}
	if src.hourlyCalls != 0 {
		t.Errorf("cache import hit the portal %d times", src.hourlyCalls)
	}
}

func TestImportDayEmptyPortal(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2023, 12, 11, 8, 0, 0, 0, loc)
	store := &memStore{}
	r, db := testRunner(t, &fakeSource{}, store, now)

	day := time.Date(2023, 12, 10, 0, 0, 0, 0, time.UTC)
	result, err := r.ImportDay(context.Background(), day, models.GranularityHourly, false)
	if err != nil {
		t.Fatalf("ImportDay: %v", err)
	}
	if result.Points != 0 {
		t.Errorf("result.Points = %d, want 0", result.Points)
	}
	if store.upserts != 0 {
		t.Errorf("store was written %d times for an empty day", store.upserts)
	}
	has, err := db.HasDay("230057301", models.GranularityHourly, "2023-12-10")
	if err != nil {
		t.Fatalf("HasDay: %v", err)
	}
	if has {
		t.Error("empty day should not be cached")
	}
}

func TestReimportSameDayConverges(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2023, 12, 11, 8, 0, 0, 0, loc)
	src := &fakeSource{hourly: map[string][]acwd.HourlyReading{"2023-12-10": decemberTenthHourly()}}
	store := &memStore{}
	r, _ := testRunner(t, src, store, now)

	day := time.Date(2023, 12, 10, 0, 0, 0, 0, time.UTC)
	if _, err := r.ImportDay(context.Background(), day, models.GranularityHourly, false); err != nil {
		t.Fatalf("first import: %v", err)
	}
	result, err := r.ImportDay(context.Background(), day, models.GranularityHourly, true)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if !almostEqual(result.Total, 8.97) {
		t.Errorf("re-import total = %v, want 8.97", result.Total)
	}

	pts := store.points["waterscraper:230057301_hourly_usage"]
	if len(pts) != 3 {
		t.Fatalf("store has %d points after re-import, want 3", len(pts))
	}
	if !almostEqual(pts[2].Sum, 8.97) {
		t.Errorf("last sum after re-import = %v, want 8.97", pts[2].Sum)
	}
}

func TestImportTodayPartial(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2023, 12, 11, 8, 0, 0, 0, loc)
	src := &fakeSource{hourly: map[string][]acwd.HourlyReading{
		"2023-12-11": {
			{Label: "12:00 AM", Gallons: 1.0},
			{Label: "1:00 AM", Gallons: 2.0},
		},
	}}
	store := &memStore{}
	r, db := testRunner(t, src, store, now)

	result, err := r.ImportToday(context.Background(), models.GranularityHourly)
	if err != nil {
		t.Fatalf("ImportToday: %v", err)
	}
	if result.Points != 2 || !almostEqual(result.Total, 3.0) {
		t.Errorf("points/total = %d/%v, want 2/3.0", result.Points, result.Total)
	}

	// A partial day stays unimported so later passes refresh it.
	unimported, err := db.UnimportedDays("230057301", models.GranularityHourly)
	if err != nil {
		t.Fatalf("UnimportedDays: %v", err)
	}
	if len(unimported) != 1 || unimported[0] != "2023-12-11" {
		t.Errorf("unimported days = %v, want [2023-12-11]", unimported)
	}

	// More rows show up later in the day; the refresh must not double
	// count the earlier ones.
	src.hourly["2023-12-11"] = append(src.hourly["2023-12-11"], acwd.HourlyReading{Label: "2:00 AM", Gallons: 1.5})
	result, err = r.ImportToday(context.Background(), models.GranularityHourly)
	if err != nil {
		t.Fatalf("second ImportToday: %v", err)
	}
	if result.Points != 3 || !almostEqual(result.Total, 4.5) {
		t.Errorf("points/total = %d/%v, want 3/4.5", result.Points, result.Total)
	}
	pts := store.points["waterscraper:230057301_hourly_usage"]
	if len(pts) != 3 {
		t.Fatalf("store has %d points, want 3", len(pts))
	}
	if !almostEqual(pts[2].Sum, 4.5) {
		t.Errorf("last sum = %v, want 4.5", pts[2].Sum)
	}
}

func TestBackfillDailyRange(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2023, 12, 11, 8, 0, 0, 0, loc)
	src := &fakeSource{daily: []acwd.DailyReading{
		{Date: "December 1, 2023", Gallons: 120.5},
		{Date: "December 2, 2023", Gallons: 98.3},
		{Date: "December 3, 2023", Gallons: 156.7},
	}}
	store := &memStore{}
	r, db := testRunner(t, src, store, now)

	start := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 12, 3, 0, 0, 0, 0, time.UTC)
	result, err := r.Backfill(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if result.Points != 3 {
		t.Errorf("result.Points = %d, want 3", result.Points)
	}
	if !almostEqual(result.Total, 375.5) {
		t.Errorf("result.Total = %v, want 375.5", result.Total)
	}

	pts := store.points["waterscraper:230057301_daily_usage"]
	if len(pts) != 3 {
		t.Fatalf("store has %d points, want 3", len(pts))
	}
	if want := time.Date(2023, 12, 2, 8, 0, 0, 0, time.UTC); !pts[1].Start.Equal(want) {
		t.Errorf("second point start = %v, want %v", pts[1].Start, want)
	}
	if !almostEqual(pts[1].Sum, 218.8) {
		t.Errorf("second point sum = %v, want 218.8", pts[1].Sum)
	}

	unimported, err := db.UnimportedDays("230057301", models.GranularityDaily)
	if err != nil {
		t.Fatalf("UnimportedDays: %v", err)
	}
	if len(unimported) != 0 {
		t.Errorf("backfilled days were not marked imported: %v", unimported)
	}
}

func TestBackfillValidatesRange(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2023, 12, 11, 8, 0, 0, 0, loc)
	src := &fakeSource{}
	r, _ := testRunner(t, src, &memStore{}, now)

	start := time.Date(2023, 12, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	if _, err := r.Backfill(context.Background(), start, end); err == nil {
		t.Error("expected error for start after end")
	}

	end = time.Date(2023, 12, 11, 0, 0, 0, 0, time.UTC)
	if _, err := r.Backfill(context.Background(), start, end); err == nil {
		t.Error("expected error for a range ending today")
	}
	if src.dailyCalls != 0 {
		t.Errorf("portal was hit %d times for rejected ranges", src.dailyCalls)
	}
}

func TestBackfillRejectsMalformedPortalDate(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2023, 12, 11, 8, 0, 0, 0, loc)
	src := &fakeSource{daily: []acwd.DailyReading{{Date: "not a date", Gallons: 1}}}
	r, _ := testRunner(t, src, &memStore{}, now)

	start := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 12, 3, 0, 0, 0, 0, time.UTC)
	_, err := r.Backfill(context.Background(), start, end)
	if err == nil || !strings.Contains(err.Error(), "parsing daily reading date") {
		t.Fatalf("err = %v, want daily date parse error", err)
	}
}

func TestFetchDayDeduplicates(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2023, 12, 11, 8, 0, 0, 0, loc)
	src := &fakeSource{quarter: map[string][]acwd.QuarterReading{
		"2023-12-10": {
			{Hour: 0, Minute: 0, Gallons: 0.5},
			{Hour: 0, Minute: 15, Gallons: 0.7},
		},
	}}
	r, db := testRunner(t, src, &memStore{}, now)

	day := time.Date(2023, 12, 10, 0, 0, 0, 0, time.UTC)
	inserted, err := r.FetchDay(context.Background(), day, models.GranularityQuarter)
	if err != nil {
		t.Fatalf("FetchDay: %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}

	inserted, err = r.FetchDay(context.Background(), day, models.GranularityQuarter)
	if err != nil {
		t.Fatalf("second FetchDay: %v", err)
	}
	if inserted != 0 {
		t.Errorf("second fetch inserted %d rows, want 0", inserted)
	}

	rows, err := db.ReadingsForDay("230057301", models.GranularityQuarter, "2023-12-10")
	if err != nil {
		t.Fatalf("ReadingsForDay: %v", err)
	}
	if len(rows) != 2 || rows[1].Minute != 15 {
		t.Errorf("cached rows = %+v", rows)
	}
}

func TestFetchDailyRange(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2023, 12, 11, 8, 0, 0, 0, loc)
	src := &fakeSource{daily: []acwd.DailyReading{
		{Date: "December 1, 2023", Gallons: 120.5},
		{Date: "December 2, 2023", Gallons: 98.3},
	}}
	r, db := testRunner(t, src, &memStore{}, now)

	from := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2023, 12, 2, 0, 0, 0, 0, time.UTC)
	inserted, err := r.FetchDaily(context.Background(), from, to)
	if err != nil {
		t.Fatalf("FetchDaily: %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}

	inserted, err = r.FetchDaily(context.Background(), from, to)
	if err != nil {
		t.Fatalf("second FetchDaily: %v", err)
	}
	if inserted != 0 {
		t.Errorf("second fetch inserted %d rows, want 0", inserted)
	}

	rows, err := db.ReadingsForDay("230057301", models.GranularityDaily, "2023-12-02")
	if err != nil {
		t.Fatalf("ReadingsForDay: %v", err)
	}
	if len(rows) != 1 || !almostEqual(rows[0].Gallons, 98.3) {
		t.Errorf("cached rows = %+v", rows)
	}
}

func TestStatisticID(t *testing.T) {
	loc := laLocation(t)
	now := time.Date(2023, 12, 11, 8, 0, 0, 0, loc)
	r, _ := testRunner(t, &fakeSource{}, &memStore{}, now)

	if got := r.StatisticID(models.GranularityQuarter); got != "waterscraper:230057301_quarter_usage" {
		t.Errorf("StatisticID = %q", got)
	}
}
