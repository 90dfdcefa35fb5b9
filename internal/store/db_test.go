package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func makeRun(source, status string, started time.Time) *Run {
	return &Run{
		ID:         uuid.New().String(),
		InstanceID: "host1",
		Source:     source,
		Mode:       "file",
		Status:     status,
		StartedAt:  started,
	}
}

func finish(t *testing.T, db *DB, r *Run) {
	t.Helper()
	if err := db.StartRun(r); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	r.FinishedAt = r.StartedAt.Add(2 * time.Second)
	if err := db.FinishRun(r); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
}

func TestStartFinishAndGet(t *testing.T) {
	db := testDB(t)

	r := makeRun("/var/log/app.log", "READING", time.Now())
	if err := db.StartRun(r); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	got, err := db.Get(r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != "READING" {
		t.Errorf("Status = %q, want READING", got.Status)
	}
	if !got.FinishedAt.IsZero() {
		t.Errorf("active run FinishedAt = %v, want zero", got.FinishedAt)
	}
	if got.Duration() != 0 {
		t.Errorf("active run Duration = %v, want 0", got.Duration())
	}

	r.Status = "FAILED"
	r.FinishedAt = r.StartedAt.Add(3 * time.Second)
	r.RecordsRead = 120
	r.EntriesEmitted = 109
	r.Skipped = 11
	r.Error = "skip limit exceeded"
	if err := db.FinishRun(r); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err = db.Get(r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != "FAILED" || got.RecordsRead != 120 || got.EntriesEmitted != 109 || got.Skipped != 11 {
		t.Errorf("finished run = %+v", got)
	}
	if got.Error != "skip limit exceeded" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.Duration() != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", got.Duration())
	}
	if got.Source != "/var/log/app.log" || got.Mode != "file" || got.InstanceID != "host1" {
		t.Errorf("identity fields = %q/%q/%q", got.Source, got.Mode, got.InstanceID)
	}
}

func TestGetMissing(t *testing.T) {
	db := testDB(t)

	_, err := db.Get("nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Get missing = %v, want sql.ErrNoRows", err)
	}
}

func TestFinishUnknownRun(t *testing.T) {
	db := testDB(t)

	r := makeRun("a.log", "COMPLETED", time.Now())
	r.FinishedAt = time.Now()
	if err := db.FinishRun(r); err == nil {
		t.Error("finishing an unrecorded run should fail")
	}
}

func TestQueryFilters(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	finish(t, db, makeRun("a.log", "COMPLETED", now.Add(-3*time.Minute)))
	finish(t, db, makeRun("a.log", "FAILED", now.Add(-2*time.Minute)))
	finish(t, db, makeRun("b.log", "COMPLETED", now.Add(-1*time.Minute)))
	finish(t, db, makeRun("b.log", "COMPLETED", now.Add(-2*time.Hour)))

	runs, err := db.Query(QueryFilter{Since: now.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("since filter: got %d runs, want 3", len(runs))
	}
	if runs[0].Source != "b.log" {
		t.Errorf("runs not ordered newest first: first = %q", runs[0].Source)
	}

	runs, err = db.Query(QueryFilter{Status: "FAILED"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "FAILED" {
		t.Errorf("status filter: got %d runs", len(runs))
	}

	runs, err = db.Query(QueryFilter{Source: "b.log"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("source filter: got %d runs, want 2", len(runs))
	}

	runs, err = db.Query(QueryFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("limit filter: got %d runs, want 2", len(runs))
	}
}

func TestMarkNotified(t *testing.T) {
	db := testDB(t)

	r := makeRun("a.log", "FAILED", time.Now())
	finish(t, db, r)

	if err := db.MarkNotified(r.ID); err != nil {
		t.Fatalf("MarkNotified: %v", err)
	}
	got, err := db.Get(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Notified {
		t.Error("run should be marked notified")
	}
}

func TestPurge(t *testing.T) {
	db := testDB(t)

	finish(t, db, makeRun("a.log", "COMPLETED", time.Now().Add(-100*24*time.Hour)))
	finish(t, db, makeRun("a.log", "COMPLETED", time.Now()))

	// Unfinished runs survive regardless of age.
	if err := db.StartRun(makeRun("a.log", "READING", time.Now().Add(-200*24*time.Hour))); err != nil {
		t.Fatal(err)
	}

	purged, err := db.Purge(90 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged %d runs, want 1", purged)
	}

	n, err := db.Count(QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("after purge: %d runs remain, want 2", n)
	}
}

func TestCount(t *testing.T) {
	db := testDB(t)

	count, err := db.Count(QueryFilter{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("empty db count = %d, want 0", count)
	}

	for i := 0; i < 5; i++ {
		status := "COMPLETED"
		if i%2 == 0 {
			status = "FAILED"
		}
		finish(t, db, makeRun("a.log", status, time.Now()))
	}

	count, err = db.Count(QueryFilter{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}

	byStatus, err := db.CountByStatus(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if byStatus["FAILED"] != 3 || byStatus["COMPLETED"] != 2 {
		t.Errorf("by status = %v, want FAILED:3 COMPLETED:2", byStatus)
	}
}

func TestCheckCooldownFirstOccurrence(t *testing.T) {
	db := testDB(t)

	r := makeRun("a.log", "FAILED", time.Now())
	finish(t, db, r)

	result, err := db.CheckCooldown(r, 5*time.Minute, 3)
	if err != nil {
		t.Fatalf("CheckCooldown: %v", err)
	}
	if !result.ShouldAlert {
		t.Error("first failure should alert")
	}
	if result.Aggregated {
		t.Error("first failure should not be aggregated")
	}
}

func TestCheckCooldownSuppression(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	finish(t, db, makeRun("a.log", "FAILED", now.Add(-time.Minute)))

	r := makeRun("a.log", "FAILED", now)
	finish(t, db, r)

	result, err := db.CheckCooldown(r, 5*time.Minute, 3)
	if err != nil {
		t.Fatalf("CheckCooldown: %v", err)
	}
	if result.ShouldAlert {
		t.Error("should be suppressed within cooldown window")
	}
	if result.RecentCount != 1 {
		t.Errorf("RecentCount = %d, want 1", result.RecentCount)
	}
}

func TestCheckCooldownAggregation(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		finish(t, db, makeRun("a.log", "FAILED", now.Add(-time.Duration(i+1)*time.Second)))
	}

	r := makeRun("a.log", "FAILED", now)
	finish(t, db, r)

	result, err := db.CheckCooldown(r, 5*time.Minute, 3)
	if err != nil {
		t.Fatalf("CheckCooldown: %v", err)
	}
	if !result.ShouldAlert {
		t.Error("aggregate threshold should trigger alert")
	}
	if !result.Aggregated {
		t.Error("should be flagged as aggregated")
	}
}

func TestCheckCooldownBySource(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	finish(t, db, makeRun("a.log", "FAILED", now.Add(-time.Minute)))

	same := makeRun("a.log", "FAILED", now)
	finish(t, db, same)
	result, err := db.CheckCooldown(same, 5*time.Minute, 3)
	if err != nil {
		t.Fatal(err)
	}
	if result.ShouldAlert {
		t.Error("same source within cooldown should be suppressed")
	}

	other := makeRun("b.log", "FAILED", now)
	finish(t, db, other)
	result, err = db.CheckCooldown(other, 5*time.Minute, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !result.ShouldAlert {
		t.Error("different source should alert")
	}
}

func TestCheckCooldownIgnoresOldRuns(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	finish(t, db, makeRun("a.log", "FAILED", now.Add(-time.Hour)))

	r := makeRun("a.log", "FAILED", now)
	finish(t, db, r)
	result, err := db.CheckCooldown(r, 5*time.Minute, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !result.ShouldAlert {
		t.Error("failures outside the window should not suppress")
	}
}
