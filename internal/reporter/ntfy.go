// Package reporter sends run notifications to ntfy and formats run history
// summaries.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/setevik/logbridge/internal/config"
	"github.com/setevik/logbridge/internal/store"
)

// History is the run history the reporter consults before notifying.
// *store.DB implements it.
type History interface {
	CheckCooldown(r *store.Run, window time.Duration, threshold int) (store.DedupResult, error)
	MarkNotified(id string) error
}

// NtfyReporter sends run notifications to an ntfy server.
type NtfyReporter struct {
	cfg     *config.Config
	history History
	client  *http.Client
}

// NewNtfy creates a new NtfyReporter. history may be nil, which disables
// cooldown suppression.
func NewNtfy(cfg *config.Config, history History) *NtfyReporter {
	return &NtfyReporter{
		cfg:     cfg,
		history: history,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Report sends a notification for a finished run if its status is in the
// configured notify_on list and the cooldown allows it.
func (r *NtfyReporter) Report(ctx context.Context, run *store.Run) error {
	if r.cfg.Ntfy.URL == "" {
		slog.Debug("ntfy URL not configured, skipping notification")
		return nil
	}

	if !r.cfg.ShouldNotify(run.Status) {
		slog.Debug("run status not in notify_on, skipping", "status", run.Status)
		return nil
	}

	title := FormatTitle(run)
	if r.history != nil {
		dedup, err := r.history.CheckCooldown(run, r.cfg.Cooldown.Window.Duration, r.cfg.Cooldown.AggregateThreshold)
		if err != nil {
			slog.Error("cooldown check failed", "error", err)
		} else if !dedup.ShouldAlert {
			slog.Debug("notification suppressed by cooldown",
				"source", run.Source,
				"recent_count", dedup.RecentCount,
			)
			return nil
		} else if dedup.Aggregated {
			title = FormatAggregatedTitle(run, dedup.RecentCount)
		}
	}

	priority := r.cfg.NtfyPriority(run.Status)
	if err := r.Send(ctx, title, FormatBody(run), priority, TagsForStatus(run.Status)); err != nil {
		return err
	}

	if r.history != nil {
		if err := r.history.MarkNotified(run.ID); err != nil {
			slog.Warn("failed to mark run notified", "run", run.ID, "error", err)
		}
	}

	slog.Info("notification sent", "run", run.ID, "status", run.Status, "source", run.Source, "priority", priority)
	return nil
}

// Send posts a message to the configured ntfy topic.
func (r *NtfyReporter) Send(ctx context.Context, title, body, priority, tags string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Ntfy.URL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating ntfy request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}
	return nil
}
