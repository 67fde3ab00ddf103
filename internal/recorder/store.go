// Package recorder writes statistics straight into a Home Assistant
// recorder database, for setups where the websocket API is not
// reachable. It expects the 2023.4+ schema with epoch start_ts columns.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/jgoulah/waterscraper/internal/stats"
)

// Store implements stats.Store against the recorder's statistics tables
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the recorder database. driver is "sqlite" for the
// default Home Assistant install or "pgx" for a postgres recorder.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite", "pgx":
	default:
		return nil, fmt.Errorf("unsupported recorder driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening recorder database: %w", err)
	}
	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $N for postgres
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Latest returns up to n of the newest stored points for a statistic,
// newest first. The recorder keeps start times as float epoch seconds.
func (s *Store) Latest(ctx context.Context, statisticID string, n int) ([]stats.StoredPoint, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
	SELECT s.start_ts, s.sum
	FROM statistics s
	JOIN statistics_meta m ON s.metadata_id = m.id
	WHERE m.statistic_id = ? AND s.sum IS NOT NULL
	ORDER BY s.start_ts DESC
	LIMIT ?
	`), statisticID, n)
	if err != nil {
		return nil, fmt.Errorf("querying statistics: %w", err)
	}
	defer rows.Close()

	var points []stats.StoredPoint
	for rows.Next() {
		var startTS, sum float64
		if err := rows.Scan(&startTS, &sum); err != nil {
			return nil, fmt.Errorf("scanning statistic row: %w", err)
		}
		start, err := stats.NormalizeTimestamp(startTS)
		if err != nil {
			return nil, fmt.Errorf("normalizing start_ts: %w", err)
		}
		points = append(points, stats.StoredPoint{Start: start, Sum: sum})
	}

	return points, rows.Err()
}

// Upsert writes a batch of points for one statistic in a single
// transaction, merging on start time so re-imports are safe
func (s *Store) Upsert(ctx context.Context, meta stats.Metadata, points []stats.Point) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	metadataID, err := s.metadataID(ctx, tx, meta)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
	INSERT INTO statistics (metadata_id, start_ts, created_ts, state, sum)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (metadata_id, start_ts) DO UPDATE SET state = excluded.state, sum = excluded.sum
	`))
	if err != nil {
		return fmt.Errorf("preparing statistics upsert: %w", err)
	}
	defer stmt.Close()

	createdTS := float64(time.Now().UTC().Unix())
	for _, p := range points {
		startTS := float64(p.Start.UTC().Unix())
		if _, err := stmt.ExecContext(ctx, metadataID, startTS, createdTS, p.Value, p.Sum); err != nil {
			return fmt.Errorf("upserting point at %s: %w", p.Start.UTC().Format(time.RFC3339), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing statistics: %w", err)
	}
	return nil
}

// metadataID finds the statistics_meta row for a series, creating it on
// first import
func (s *Store) metadataID(ctx context.Context, tx *sql.Tx, meta stats.Metadata) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.rebind(`
	SELECT id FROM statistics_meta WHERE statistic_id = ?
	`), meta.StatisticID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("querying statistics metadata: %w", err)
	}

	err = tx.QueryRowContext(ctx, s.rebind(`
	INSERT INTO statistics_meta (statistic_id, source, unit_of_measurement, has_mean, has_sum, name)
	VALUES (?, ?, ?, ?, ?, ?)
	RETURNING id
	`), meta.StatisticID, meta.Source, meta.Unit, meta.HasMean, meta.HasSum, meta.Name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting statistics metadata: %w", err)
	}
	return id, nil
}
