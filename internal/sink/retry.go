package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/setevik/logbridge/internal/event"
)

const (
	DefaultRetryAttempts  = 3
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// RetryOptions bound the retry loop. Attempts counts the first try.
type RetryOptions struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// Retrying retries failed exports with exponential backoff: the delay starts
// at InitialBackoff and doubles after each failure up to MaxBackoff. The
// export context bounds the whole loop.
type Retrying struct {
	inner Sink
	opts  RetryOptions
}

// NewRetrying wraps inner. Zero options select the defaults.
func NewRetrying(inner Sink, opts RetryOptions) *Retrying {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultRetryAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Retrying{inner: inner, opts: opts}
}

func (r *Retrying) Export(ctx context.Context, entries []event.Entry) error {
	backoff := r.opts.InitialBackoff

	var err error
	for attempt := 1; ; attempt++ {
		err = r.inner.Export(ctx, entries)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil || attempt >= r.opts.Attempts {
			break
		}

		r.opts.Logger.Warn("export failed, will retry",
			"err", err,
			"attempt", attempt,
			"backoff", backoff,
			"entries", len(entries),
		)

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("export retry abandoned: %w", errors.Join(err, ctx.Err()))
		}

		backoff *= 2
		if backoff > r.opts.MaxBackoff {
			backoff = r.opts.MaxBackoff
		}
	}
	return err
}

func (r *Retrying) Flush(ctx context.Context) error    { return r.inner.Flush(ctx) }
func (r *Retrying) Shutdown(ctx context.Context) error { return r.inner.Shutdown(ctx) }
