package store

import (
	"fmt"
	"log/slog"
	"time"
)

// DedupResult describes whether a failed run should be notified.
type DedupResult struct {
	// ShouldAlert is true if this run should trigger a notification.
	ShouldAlert bool
	// RecentCount is the number of other failed runs of the same source
	// within the cooldown window.
	RecentCount int
	// Aggregated is true if the alert was suppressed during cooldown but the
	// aggregate threshold was just reached, so a summary alert should fire.
	Aggregated bool
}

// CheckCooldown determines whether a finished run should trigger an alert
// based on how many other runs of the same source ended with the same status
// within the cooldown window before it.
//
// Logic:
//   - If no prior runs within window: alert (first occurrence).
//   - If prior runs exist but count < threshold: suppress (within cooldown).
//   - If count == threshold: alert as aggregated (repeated failure summary).
//   - If count > threshold: suppress (already sent aggregate alert).
func (d *DB) CheckCooldown(r *Run, window time.Duration, threshold int) (DedupResult, error) {
	since := formatTime(r.StartedAt.Add(-window))

	var count int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM runs
		WHERE source = ? AND status = ? AND started_at >= ? AND started_at <= ? AND id != ?`,
		r.Source, r.Status, since, formatTime(r.StartedAt), r.ID,
	).Scan(&count)
	if err != nil {
		return DedupResult{}, fmt.Errorf("checking cooldown: %w", err)
	}

	result := DedupResult{RecentCount: count}

	switch {
	case count == 0:
		result.ShouldAlert = true
	case count == threshold:
		result.ShouldAlert = true
		result.Aggregated = true
	default:
		result.ShouldAlert = false
	}

	slog.Debug("cooldown check",
		"source", r.Source,
		"status", r.Status,
		"recent_count", count,
		"threshold", threshold,
		"should_alert", result.ShouldAlert,
	)

	return result, nil
}
