// Package watcher provides live line sources: a tailed file, a followed
// systemd journal unit and a finite file replay, plus a supervisor that
// restarts a failed source.
package watcher

import (
	"context"

	"github.com/setevik/logbridge/internal/event"
)

// DefaultQueueSize bounds the channel between a source and its consumer.
const DefaultQueueSize = 10000

// LineSource is the interface for receiving raw lines.
// Implementations include the file tailer, the journal pipe and test mocks.
type LineSource interface {
	// Lines returns a channel of lines. The channel is closed when the
	// source is stopped, fails, or the context is cancelled.
	Lines(ctx context.Context) (<-chan event.RawLine, error)

	// Stop signals the source to shut down.
	Stop()
}
