// Package store provides SQLite-backed run history with failure cooldown.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Run is one persisted pipeline run.
type Run struct {
	ID             string
	InstanceID     string
	Source         string
	Mode           string
	Status         string
	StartedAt      time.Time
	FinishedAt     time.Time // zero while the run is active
	RecordsRead    int64
	EntriesEmitted int64
	Skipped        int64
	Error          string
	Notified       bool
}

// Duration is the run's wall time, or zero while it is active.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// DB wraps an SQLite connection for run storage.
type DB struct {
	db *sql.DB
}

// Open opens or creates an SQLite database at the given path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer connection to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// StartRun records a run that has just begun.
func (d *DB) StartRun(r *Run) error {
	_, err := d.db.Exec(`
		INSERT INTO runs (id, instance_id, source, mode, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.InstanceID,
		r.Source,
		r.Mode,
		r.Status,
		formatTime(r.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// FinishRun stores the final status and counters of a run.
func (d *DB) FinishRun(r *Run) error {
	res, err := d.db.Exec(`
		UPDATE runs SET status = ?, finished_at = ?, records_read = ?, entries_emitted = ?, skipped = ?, error = ?
		WHERE id = ?`,
		r.Status,
		formatTime(r.FinishedAt),
		r.RecordsRead,
		r.EntriesEmitted,
		r.Skipped,
		r.Error,
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating run %s: not found", r.ID)
	}
	return nil
}

// MarkNotified marks a run as having been sent to ntfy.
func (d *DB) MarkNotified(id string) error {
	_, err := d.db.Exec(`UPDATE runs SET notified = TRUE WHERE id = ?`, id)
	return err
}

// Get returns a single run by ID.
func (d *DB) Get(id string) (*Run, error) {
	rows, err := d.db.Query(selectRuns+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("run %s: %w", id, sql.ErrNoRows)
	}
	return scanRun(rows)
}

// QueryFilter controls which runs are returned by Query.
type QueryFilter struct {
	Since      time.Time
	Until      time.Time
	Status     string
	Source     string
	InstanceID string
	Limit      int
}

func (f QueryFilter) where() (string, []any) {
	clause := " WHERE 1=1"
	var args []any

	if !f.Since.IsZero() {
		clause += " AND started_at >= ?"
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		clause += " AND started_at <= ?"
		args = append(args, formatTime(f.Until))
	}
	if f.Status != "" {
		clause += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Source != "" {
		clause += " AND source = ?"
		args = append(args, f.Source)
	}
	if f.InstanceID != "" {
		clause += " AND instance_id = ?"
		args = append(args, f.InstanceID)
	}
	return clause, args
}

const selectRuns = `SELECT id, instance_id, source, mode, status, started_at, finished_at,
		records_read, entries_emitted, skipped, error, notified
		FROM runs`

// Query returns runs matching the filter, newest first.
func (d *DB) Query(f QueryFilter) ([]*Run, error) {
	where, args := f.where()
	query := selectRuns + where + " ORDER BY started_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Count returns the number of runs matching the filter. Limit is ignored.
func (d *DB) Count(f QueryFilter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM runs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting runs: %w", err)
	}
	return n, nil
}

// CountByStatus returns run counts keyed by status for runs started since.
func (d *DB) CountByStatus(since time.Time) (map[string]int64, error) {
	rows, err := d.db.Query(`SELECT status, COUNT(*) FROM runs WHERE started_at >= ? GROUP BY status`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("counting runs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Purge deletes finished runs that started before the retention window.
func (d *DB) Purge(retention time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-retention))
	result, err := d.db.Exec(`DELETE FROM runs WHERE started_at < ? AND finished_at IS NOT NULL`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging old runs: %w", err)
	}
	return result.RowsAffected()
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var r Run
	var startedStr string
	var finishedStr, errStr sql.NullString

	err := rows.Scan(
		&r.ID,
		&r.InstanceID,
		&r.Source,
		&r.Mode,
		&r.Status,
		&startedStr,
		&finishedStr,
		&r.RecordsRead,
		&r.EntriesEmitted,
		&r.Skipped,
		&errStr,
		&r.Notified,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning run row: %w", err)
	}

	r.StartedAt, _ = time.Parse(timeLayout, startedStr)
	if finishedStr.Valid {
		r.FinishedAt, _ = time.Parse(timeLayout, finishedStr.String)
	}
	r.Error = errStr.String

	return &r, nil
}

func migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id              TEXT PRIMARY KEY,
			instance_id     TEXT NOT NULL,
			source          TEXT NOT NULL,
			mode            TEXT NOT NULL,
			status          TEXT NOT NULL,
			started_at      TEXT NOT NULL,
			finished_at     TEXT,
			records_read    INTEGER NOT NULL DEFAULT 0,
			entries_emitted INTEGER NOT NULL DEFAULT 0,
			skipped         INTEGER NOT NULL DEFAULT 0,
			error           TEXT,
			notified        BOOLEAN DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_source ON runs(source, status, started_at)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	slog.Debug("database schema up to date")
	return nil
}
