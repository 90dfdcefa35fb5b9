// Package window groups a live stream of lines into bounded windows that are
// released on size, on idle timeout, or when the stream ends.
package window

import (
	"context"
	"time"

	"github.com/setevik/logbridge/internal/event"
	"github.com/setevik/logbridge/internal/monitor"
)

const (
	DefaultSize = 50
	DefaultIdle = 1000 * time.Millisecond
)

// Release triggers, used as metric labels.
const (
	TriggerSize    = "size"
	TriggerTimeout = "timeout"
	TriggerClose   = "close"
)

// Batcher accumulates lines into groups of at most Size lines.
type Batcher struct {
	size int
	idle time.Duration
}

// New creates a Batcher. Non-positive arguments select the defaults.
func New(size int, idle time.Duration) *Batcher {
	if size <= 0 {
		size = DefaultSize
	}
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Batcher{size: size, idle: idle}
}

func (b *Batcher) Size() int           { return b.size }
func (b *Batcher) Idle() time.Duration { return b.idle }

// Run consumes in until it is closed or ctx is cancelled and returns the
// channel of released groups. A group is released when it reaches Size lines
// or when Idle has elapsed since its first line, whichever comes first. On
// cancel, lines already queued on in are still grouped. Any partial group is
// released before the output is closed.
//
// The caller must drain the output until it is closed.
func (b *Batcher) Run(ctx context.Context, in <-chan event.RawLine) <-chan []event.RawLine {
	out := make(chan []event.RawLine)
	go b.loop(ctx, in, out)
	return out
}

func (b *Batcher) loop(ctx context.Context, in <-chan event.RawLine, out chan<- []event.RawLine) {
	defer close(out)

	var (
		group  []event.RawLine
		timer  *time.Timer
		expiry <-chan time.Time
	)

	release := func(trigger string) {
		if timer != nil {
			timer.Stop()
			timer, expiry = nil, nil
		}
		if len(group) == 0 {
			return
		}
		g := group
		group = nil
		monitor.WindowsReleased.WithLabelValues(trigger).Inc()
		out <- g
	}

	add := func(line event.RawLine) {
		if len(group) == 0 {
			group = make([]event.RawLine, 0, b.size)
			timer = time.NewTimer(b.idle)
			expiry = timer.C
		}
		group = append(group, line)
		if len(group) >= b.size {
			release(TriggerSize)
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Group whatever is already queued, then stop.
			for {
				select {
				case line, ok := <-in:
					if ok {
						add(line)
						continue
					}
				default:
				}
				release(TriggerClose)
				return
			}

		case line, ok := <-in:
			if !ok {
				release(TriggerClose)
				return
			}
			add(line)

		case <-expiry:
			timer, expiry = nil, nil
			release(TriggerTimeout)
		}
	}
}
