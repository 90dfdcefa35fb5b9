package reporter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/setevik/logbridge/internal/store"
)

// DigestSummary holds aggregated run counts for a period.
type DigestSummary struct {
	InstanceID string
	Since      time.Time
	Until      time.Time

	Runs           int
	ByStatus       map[string]int
	RecordsRead    int64
	EntriesEmitted int64
	Skipped        int64
	FailedSources  map[string]int // source -> failed runs
	LastFailure    *store.Run
}

// BuildDigest aggregates a list of runs into a DigestSummary.
func BuildDigest(instanceID string, runs []*store.Run, since, until time.Time) *DigestSummary {
	d := &DigestSummary{
		InstanceID:    instanceID,
		Since:         since,
		Until:         until,
		ByStatus:      make(map[string]int),
		FailedSources: make(map[string]int),
	}

	for _, r := range runs {
		d.Runs++
		d.ByStatus[r.Status]++
		d.RecordsRead += r.RecordsRead
		d.EntriesEmitted += r.EntriesEmitted
		d.Skipped += r.Skipped

		if r.Status == "FAILED" {
			source := r.Source
			if source == "" {
				source = "unknown"
			}
			d.FailedSources[source]++
			if d.LastFailure == nil || r.StartedAt.After(d.LastFailure.StartedAt) {
				d.LastFailure = r
			}
		}
	}

	return d
}

// FormatDigest formats a DigestSummary as human-readable text suitable for
// ntfy or stdout output.
func FormatDigest(d *DigestSummary) string {
	var b strings.Builder

	dateRange := fmt.Sprintf("%s - %s",
		d.Since.Local().Format("Jan 02 15:04"),
		d.Until.Local().Format("Jan 02 15:04"))

	fmt.Fprintf(&b, "=== %s ===\n", d.InstanceID)
	fmt.Fprintf(&b, "Period: %s\n\n", dateRange)

	fmt.Fprintf(&b, "Runs:      %d", d.Runs)
	if d.Runs > 0 {
		fmt.Fprintf(&b, " (%s)", formatBreakdown(d.ByStatus))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Records:   %d read, %d emitted, %d skipped\n", d.RecordsRead, d.EntriesEmitted, d.Skipped)

	failed := d.ByStatus["FAILED"]
	fmt.Fprintf(&b, "Failures:  %d", failed)
	if failed > 0 {
		fmt.Fprintf(&b, " (%s)", formatBreakdown(d.FailedSources))
	}
	b.WriteString("\n")

	if d.LastFailure != nil {
		fmt.Fprintf(&b, "Last failure: %s %s\n",
			d.LastFailure.StartedAt.Local().Format("2006-01-02 15:04:05"),
			firstLine(d.LastFailure.Error))
	}

	return b.String()
}

// FormatDigestTitle generates the ntfy title for a digest notification.
func FormatDigestTitle(since, until time.Time) string {
	return fmt.Sprintf("\U0001f4ca logbridge run summary (%s-%s)",
		since.Local().Format("Jan 02"),
		until.Local().Format("Jan 02"))
}

// formatBreakdown turns a map[string]int into "foo ×2, bar ×1" sorted by
// count desc, then name.
func formatBreakdown(m map[string]int) string {
	type entry struct {
		name  string
		count int
	}

	entries := make([]entry, 0, len(m))
	for name, count := range m {
		entries = append(entries, entry{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s ×%d", e.name, e.count)
	}
	return strings.Join(parts, ", ")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
