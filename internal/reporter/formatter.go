package reporter

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/setevik/logbridge/internal/store"
)

// statusEmoji maps run statuses to display emojis for ntfy titles.
var statusEmoji = map[string]string{
	"FAILED":    "\U0001f534", // red circle
	"COMPLETED": "\u2705",     // check mark
}

// statusTags maps run statuses to ntfy tag names.
var statusTags = map[string]string{
	"FAILED":    "warning,rotating_light",
	"COMPLETED": "white_check_mark",
}

// FormatTitle builds the ntfy notification title for a run.
func FormatTitle(run *store.Run) string {
	emoji := statusEmoji[run.Status]
	if emoji == "" {
		emoji = "\u2757" // exclamation mark
	}
	return fmt.Sprintf("%s [%s] %s run %s: %s",
		emoji, run.InstanceID, run.Mode, strings.ToLower(run.Status), filepath.Base(run.Source))
}

// FormatAggregatedTitle builds the title sent when repeated failures of one
// source reach the aggregate threshold.
func FormatAggregatedTitle(run *store.Run, recent int) string {
	return fmt.Sprintf("[x%d] %s", recent+1, FormatTitle(run))
}

// FormatBody builds the ntfy notification body for a run.
func FormatBody(run *store.Run) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Host: %s\n", run.InstanceID)
	fmt.Fprintf(&b, "Source: %s\n", run.Source)
	fmt.Fprintf(&b, "Run: %s\n", run.ID)
	fmt.Fprintf(&b, "Started: %s\n", run.StartedAt.Format("2006-01-02 15:04:05 MST"))
	if d := run.Duration(); d > 0 {
		fmt.Fprintf(&b, "Duration: %s\n", d.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "Records: %d read, %d emitted, %d skipped\n", run.RecordsRead, run.EntriesEmitted, run.Skipped)

	if run.Error != "" {
		b.WriteString("\n")
		b.WriteString(run.Error)
	}

	return b.String()
}

// TagsForStatus returns the ntfy tags string for a run status.
func TagsForStatus(status string) string {
	if tags, ok := statusTags[status]; ok {
		return tags
	}
	return "warning"
}
