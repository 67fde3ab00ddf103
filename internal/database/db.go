package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jgoulah/waterscraper/pkg/models"
	_ "modernc.org/sqlite"
)

// DB wraps the local readings cache
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	// WAL lets the serve loop import while a fetch writes.
	if _, err := db.conn.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		meter TEXT NOT NULL,
		granularity TEXT NOT NULL,
		date TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		hour INTEGER NOT NULL DEFAULT 0,
		minute INTEGER NOT NULL DEFAULT 0,
		gallons REAL NOT NULL,
		fetched_at TEXT NOT NULL,
		imported INTEGER DEFAULT 0,
		UNIQUE(meter, granularity, date, label, hour, minute)
	);
	CREATE INDEX IF NOT EXISTS idx_readings_day ON readings(meter, granularity, date);
	CREATE INDEX IF NOT EXISTS idx_readings_imported ON readings(imported);
	`

	_, err := db.conn.Exec(schema)
	if err != nil {
		return err
	}

	// Migration for caches created before import tracking existed.
	// Fails silently if the column already exists.
	db.conn.Exec(`ALTER TABLE readings ADD COLUMN imported INTEGER DEFAULT 0`)

	return nil
}

// InsertReadings caches a batch of readings in one transaction, ignoring
// rows already present. It returns the number of new rows, so callers
// can tell a fresh day from a re-fetch.
func (db *DB) InsertReadings(readings []models.WaterReading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
	INSERT OR IGNORE INTO readings (meter, granularity, date, label, hour, minute, gallons, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range readings {
		fetchedAt := r.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = time.Now().UTC()
		}
		res, err := stmt.Exec(r.Meter, r.Granularity, r.Date, r.Label, r.Hour, r.Minute, r.Gallons, fetchedAt.Format(time.RFC3339))
		if err != nil {
			return 0, fmt.Errorf("inserting reading: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing readings: %w", err)
	}
	return inserted, nil
}

// ReadingsForDay retrieves the cached readings for one local calendar
// day in insertion order, which preserves the portal's interval order
func (db *DB) ReadingsForDay(meter, granularity, date string) ([]models.WaterReading, error) {
	return db.queryReadings(`
	SELECT id, meter, granularity, date, label, hour, minute, gallons, fetched_at, imported
	FROM readings
	WHERE meter = ? AND granularity = ? AND date = ?
	ORDER BY id
	`, meter, granularity, date)
}

// ReadingsBetween retrieves cached readings for an inclusive date range,
// oldest day first
func (db *DB) ReadingsBetween(meter, granularity, from, to string) ([]models.WaterReading, error) {
	return db.queryReadings(`
	SELECT id, meter, granularity, date, label, hour, minute, gallons, fetched_at, imported
	FROM readings
	WHERE meter = ? AND granularity = ? AND date >= ? AND date <= ?
	ORDER BY date, id
	`, meter, granularity, from, to)
}

func (db *DB) queryReadings(query string, args ...any) ([]models.WaterReading, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	var results []models.WaterReading
	for rows.Next() {
		var r models.WaterReading
		var fetchedAt string
		if err := rows.Scan(&r.ID, &r.Meter, &r.Granularity, &r.Date, &r.Label, &r.Hour, &r.Minute, &r.Gallons, &fetchedAt, &r.Imported); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, fetchedAt); err == nil {
			r.FetchedAt = t
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// HasDay checks if any readings are cached for a given day
func (db *DB) HasDay(meter, granularity, date string) (bool, error) {
	var count int
	err := db.conn.QueryRow(`
	SELECT COUNT(*) FROM readings
	WHERE meter = ? AND granularity = ? AND date = ?
	`, meter, granularity, date).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting readings: %w", err)
	}
	return count > 0, nil
}

// MarkImported flags every reading of a day once its statistics import
// has been committed
func (db *DB) MarkImported(meter, granularity, date string) error {
	_, err := db.conn.Exec(`
	UPDATE readings SET imported = 1
	WHERE meter = ? AND granularity = ? AND date = ?
	`, meter, granularity, date)
	if err != nil {
		return fmt.Errorf("marking day imported: %w", err)
	}
	return nil
}

// UnimportedDays lists days that have cached readings not yet imported,
// oldest first
func (db *DB) UnimportedDays(meter, granularity string) ([]string, error) {
	rows, err := db.conn.Query(`
	SELECT DISTINCT date FROM readings
	WHERE meter = ? AND granularity = ? AND imported = 0
	ORDER BY date
	`, meter, granularity)
	if err != nil {
		return nil, fmt.Errorf("querying unimported days: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, fmt.Errorf("scanning day: %w", err)
		}
		days = append(days, day)
	}

	return days, rows.Err()
}

// DayTotal summarizes one cached day for the list command
type DayTotal struct {
	Date      string
	Gallons   float64
	Readings  int
	Imported  bool
	FetchedAt string
}

// DayTotals returns per-day usage totals, newest day first. Imported is
// set only when every reading of the day has been imported.
func (db *DB) DayTotals(meter, granularity string, limit int) ([]DayTotal, error) {
	rows, err := db.conn.Query(`
	SELECT date, SUM(gallons), COUNT(*), MIN(imported), MAX(fetched_at)
	FROM readings
	WHERE meter = ? AND granularity = ?
	GROUP BY date
	ORDER BY date DESC
	LIMIT ?
	`, meter, granularity, limit)
	if err != nil {
		return nil, fmt.Errorf("querying day totals: %w", err)
	}
	defer rows.Close()

	var totals []DayTotal
	for rows.Next() {
		var t DayTotal
		var imported int
		if err := rows.Scan(&t.Date, &t.Gallons, &t.Readings, &imported, &t.FetchedAt); err != nil {
			return nil, fmt.Errorf("scanning day total: %w", err)
		}
		t.Imported = imported == 1
		totals = append(totals, t)
	}

	return totals, rows.Err()
}
