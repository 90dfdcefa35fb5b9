package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/setevik/logbridge/internal/event"
)

// SupervisedSource keeps a LineSource alive. When the current source fails
// to start or its channel closes, a fresh one is built from the factory after
// restartWait. Seq numbers keep increasing across restarts.
type SupervisedSource struct {
	factory     func() LineSource
	restartWait time.Duration
	maxRestarts int // 0 is unlimited
	logger      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSupervisedSource creates a supervisor around factory. The output stops
// after maxRestarts source attempts; 0 retries forever.
func NewSupervisedSource(factory func() LineSource, restartWait time.Duration, maxRestarts int) *SupervisedSource {
	return &SupervisedSource{
		factory:     factory,
		restartWait: restartWait,
		maxRestarts: maxRestarts,
		logger:      slog.Default().With("component", "supervisor"),
	}
}

// Lines starts the first source and returns the merged line channel. It is
// closed when ctx is cancelled, Stop is called or the attempts run out.
func (s *SupervisedSource) Lines(ctx context.Context) (<-chan event.RawLine, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan event.RawLine, 64)
	go func() {
		defer close(out)
		defer cancel()

		var seq int64
		for attempt := 0; ; attempt++ {
			if s.maxRestarts > 0 && attempt >= s.maxRestarts {
				s.logger.Error("giving up on line source", "attempts", attempt)
				return
			}
			if attempt > 0 && !sleepCtx(ctx, s.restartWait) {
				return
			}
			if !s.pump(ctx, attempt+1, &seq, out) {
				return
			}
		}
	}()
	return out, nil
}

// pump runs one source until its channel closes, forwarding renumbered
// lines. It returns false once ctx is done.
func (s *SupervisedSource) pump(ctx context.Context, attempt int, seq *int64, out chan<- event.RawLine) bool {
	src := s.factory()
	lines, err := src.Lines(ctx)
	if err != nil {
		s.logger.Warn("line source failed to start", "attempt", attempt, "retry_in", s.restartWait, "error", err)
		return ctx.Err() == nil
	}
	defer src.Stop()
	s.logger.Info("line source running", "attempt", attempt)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if ctx.Err() != nil {
					return false
				}
				s.logger.Warn("line source ended", "attempt", attempt, "lines_total", *seq, "retry_in", s.restartWait)
				return true
			}
			*seq++
			line.Seq = *seq
			select {
			case out <- line:
			case <-ctx.Done():
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
}

// Stop ends the supervision loop and the running source.
func (s *SupervisedSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
