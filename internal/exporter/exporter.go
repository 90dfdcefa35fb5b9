// Package exporter batches normalized entries and hands them to a Sink from
// a single background goroutine.
//
// Entries are appended to an open batch. The batch is released to the export
// queue when it reaches MaxBatchSize, when ScheduleDelay has passed since its
// first entry, or on ForceFlush. Emit never waits on the sink; it only waits
// while the export queue is full.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/setevik/logbridge/internal/event"
	"github.com/setevik/logbridge/internal/monitor"
)

// Sink receives released batches. Implementations must be safe for
// concurrent use.
type Sink interface {
	Export(ctx context.Context, entries []event.Entry) error
	Flush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

const (
	DefaultMaxBatchSize    = 512
	DefaultScheduleDelay   = 500 * time.Millisecond
	DefaultExportTimeout   = 30 * time.Second
	DefaultMaxQueueBatches = 64
)

// Options configure an Exporter. Zero values select the defaults.
type Options struct {
	MaxBatchSize    int
	ScheduleDelay   time.Duration
	ExportTimeout   time.Duration
	MaxQueueBatches int
	Logger          *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.ScheduleDelay <= 0 {
		o.ScheduleDelay = DefaultScheduleDelay
	}
	if o.ExportTimeout <= 0 {
		o.ExportTimeout = DefaultExportTimeout
	}
	if o.MaxQueueBatches <= 0 {
		o.MaxQueueBatches = DefaultMaxQueueBatches
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

var (
	// ErrShutdown is returned by Emit and ForceFlush after Shutdown.
	ErrShutdown = errors.New("exporter: shut down")

	// ErrExportRejected is wrapped by an UnflushedError when the sink failed
	// batches covered by a flush.
	ErrExportRejected = errors.New("exporter: sink rejected entries")
)

// UnflushedError reports entries that a flush could not confirm: Pending
// were still queued when it gave up, Rejected were refused by the sink.
type UnflushedError struct {
	Pending  int64
	Rejected int64
	Err      error
}

func (e *UnflushedError) Error() string {
	return fmt.Sprintf("exporter: flush incomplete, %d entries pending, %d rejected: %v", e.Pending, e.Rejected, e.Err)
}

func (e *UnflushedError) Unwrap() error { return e.Err }

// Stats is a snapshot of exporter counters.
type Stats struct {
	Exported      int64 // entries acknowledged by the sink
	FailedEntries int64 // entries in batches the sink rejected
	FailedBatches int64
	Pending       int64 // accepted but not yet handed to the sink
}

// item is one queue slot: a batch, or a flush marker when done is set. A
// marker receives the number of entries rejected since the previous marker.
type item struct {
	batch []event.Entry
	done  chan int64
}

// Exporter is safe for concurrent use. One Exporter is shared by all runs.
type Exporter struct {
	sink   Sink
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	batch    []event.Entry
	timer    *time.Timer
	gen      uint64 // invalidates timers of released batches
	queue    []item
	space    chan struct{} // closed whenever a queue slot frees up
	closed   bool
	stopping bool

	wake chan struct{}
	done chan struct{}

	pending       atomic.Int64
	exported      atomic.Int64
	failedEntries atomic.Int64
	failedBatches atomic.Int64

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an Exporter and starts its export goroutine.
func New(sink Sink, opts Options) *Exporter {
	opts.setDefaults()
	e := &Exporter{
		sink:   sink,
		opts:   opts,
		logger: opts.Logger,
		space:  make(chan struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.loop()
	return e
}

// Emit adds entry to the open batch. It blocks only while the export queue
// is full, until ctx is done.
func (e *Exporter) Emit(ctx context.Context, entry event.Entry) error {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return ErrShutdown
		}
		if len(e.queue) < e.opts.MaxQueueBatches {
			break
		}
		space := e.space
		e.mu.Unlock()

		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer e.mu.Unlock()

	e.batch = append(e.batch, entry)
	e.pending.Add(1)

	if len(e.batch) >= e.opts.MaxBatchSize {
		e.releaseLocked()
		return nil
	}
	if len(e.batch) == 1 {
		gen := e.gen
		e.timer = time.AfterFunc(e.opts.ScheduleDelay, func() { e.onTimer(gen) })
	}
	return nil
}

func (e *Exporter) onTimer(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen == e.gen {
		e.releaseLocked()
	}
}

// releaseLocked moves the open batch to the queue. e.mu must be held.
func (e *Exporter) releaseLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	if len(e.batch) == 0 {
		return
	}
	e.queue = append(e.queue, item{batch: e.batch})
	e.batch = make([]event.Entry, 0, min(e.opts.MaxBatchSize, 64))
	e.signal()
}

func (e *Exporter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// ForceFlush releases the open batch, waits until every batch queued before
// the call has been handed to the sink, then flushes the sink. If ctx ends
// first, or the sink rejected any batch since the previous flush, it returns
// an *UnflushedError.
func (e *Exporter) ForceFlush(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrShutdown
	}
	e.mu.Unlock()
	return e.flush(ctx)
}

func (e *Exporter) flush(ctx context.Context) error {
	done := make(chan int64, 1)

	e.mu.Lock()
	e.releaseLocked()
	e.queue = append(e.queue, item{done: done})
	e.signal()
	e.mu.Unlock()

	var rejected int64
	select {
	case rejected = <-done:
	case <-ctx.Done():
		return &UnflushedError{Pending: e.pending.Load(), Err: ctx.Err()}
	}

	flushErr := e.sink.Flush(ctx)
	if rejected > 0 {
		return &UnflushedError{Pending: e.pending.Load(), Rejected: rejected, Err: errors.Join(ErrExportRejected, flushErr)}
	}
	if flushErr != nil {
		return fmt.Errorf("exporter: sink flush: %w", flushErr)
	}
	return nil
}

// Shutdown flushes outstanding entries, stops the export goroutine and shuts
// the sink down. Later calls return the first call's result.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		flushErr := e.flush(ctx)

		e.mu.Lock()
		e.stopping = true
		e.signal()
		e.mu.Unlock()

		select {
		case <-e.done:
		case <-ctx.Done():
		}

		e.shutdownErr = errors.Join(flushErr, e.sink.Shutdown(ctx))
	})
	return e.shutdownErr
}

// Rejected returns the number of entries the sink has refused so far.
func (e *Exporter) Rejected() int64 {
	return e.failedEntries.Load()
}

// Stats returns a snapshot of the exporter counters.
func (e *Exporter) Stats() Stats {
	return Stats{
		Exported:      e.exported.Load(),
		FailedEntries: e.failedEntries.Load(),
		FailedBatches: e.failedBatches.Load(),
		Pending:       e.pending.Load(),
	}
}

func (e *Exporter) loop() {
	defer close(e.done)

	var rejected int64
	for {
		e.mu.Lock()
		for len(e.queue) == 0 {
			if e.stopping {
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			<-e.wake
			e.mu.Lock()
		}
		it := e.queue[0]
		e.queue[0] = item{}
		e.queue = e.queue[1:]
		close(e.space)
		e.space = make(chan struct{})
		e.mu.Unlock()

		if it.done != nil {
			it.done <- rejected
			rejected = 0
			continue
		}
		if err := e.export(it.batch); err != nil {
			rejected += int64(len(it.batch))
		}
	}
}

func (e *Exporter) export(batch []event.Entry) error {
	n := int64(len(batch))
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.ExportTimeout)
	defer cancel()

	start := time.Now()
	err := e.sink.Export(ctx, batch)
	monitor.ExportDuration.Observe(time.Since(start).Seconds())
	e.pending.Add(-n)

	if err != nil {
		e.failedBatches.Add(1)
		e.failedEntries.Add(n)
		monitor.ExportBatches.WithLabelValues("error").Inc()
		monitor.EntriesFailed.Add(float64(n))
		e.logger.Error("export failed", "entries", n, "err", err)
		return err
	}

	e.exported.Add(n)
	monitor.ExportBatches.WithLabelValues("ok").Inc()
	monitor.EntriesExported.Add(float64(n))
	e.logger.Debug("batch exported", "entries", n, "duration", time.Since(start))
	return nil
}
