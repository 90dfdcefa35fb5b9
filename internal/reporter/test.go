package reporter

import (
	"time"

	"github.com/setevik/logbridge/internal/store"
)

// TestRun creates a synthetic failed run for testing ntfy connectivity.
type TestRun struct {
	InstanceID string
}

// ToRun converts a TestRun to a store.Run suitable for Report(). It is never
// persisted, so callers should report it without cooldown history.
func (t *TestRun) ToRun() *store.Run {
	now := time.Now()
	return &store.Run{
		ID:         "test-" + now.Format("20060102-150405"),
		InstanceID: t.InstanceID,
		Source:     "logbridge-test-notification",
		Mode:       "file",
		Status:     "FAILED",
		StartedAt:  now.Add(-time.Second),
		FinishedAt: now,
		Error:      "This is a test notification to verify ntfy connectivity.\nIf you see this, logbridge is configured correctly.",
	}
}
