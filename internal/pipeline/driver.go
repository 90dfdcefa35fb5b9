// Package pipeline drives runs over finite log sources: records are read in
// chunks, processed into entries and emitted to a shared exporter, with a
// per-run budget of tolerated record failures. The Tailer feeds live input
// through the same runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/setevik/logbridge/internal/event"
	"github.com/setevik/logbridge/internal/exporter"
	"github.com/setevik/logbridge/internal/extract"
	"github.com/setevik/logbridge/internal/grok"
	"github.com/setevik/logbridge/internal/monitor"
	"github.com/setevik/logbridge/internal/multiline"
	"github.com/setevik/logbridge/internal/normalize"
	"github.com/setevik/logbridge/internal/store"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusReading    Status = "READING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Run modes recorded in the run history.
const (
	ModeFile = "file"
	ModeTail = "tail"
)

const (
	DefaultExtractPattern = "%{GREEDYDATA:message}"
	DefaultChunkSize      = 100
	DefaultSkipLimit      = 10
	DefaultFlushTimeout   = 30 * time.Second
)

// ErrSkipLimitExceeded fails a run once more records have failed than its
// skip limit allows.
var ErrSkipLimitExceeded = errors.New("skip limit exceeded")

// Emitter is the part of the exporter that runs use.
type Emitter interface {
	Emit(ctx context.Context, entry event.Entry) error
	ForceFlush(ctx context.Context) error
}

// rejectionCounter is implemented by emitters that count entries their sink
// refused. *exporter.Exporter implements it.
type rejectionCounter interface {
	Rejected() int64
}

// RunRecorder persists run history. *store.DB implements it.
type RunRecorder interface {
	StartRun(r *store.Run) error
	FinishRun(r *store.Run) error
}

// Notifier reports finished runs.
type Notifier interface {
	Report(ctx context.Context, r *store.Run) error
}

// RunConfig describes one run.
type RunConfig struct {
	Source         string
	StartPattern   string // empty selects multiline.DefaultStartPattern
	ExtractPattern string // empty selects DefaultExtractPattern
	ChunkSize      int    // <= 0 selects DefaultChunkSize
	SkipLimit      int    // record failures tolerated; 0 fails on the first
	Mode           string

	// Processor replaces the extract/normalize chain when set.
	Processor Processor
}

// DefaultRunConfig returns a RunConfig for source with default settings.
func DefaultRunConfig(source string) RunConfig {
	return RunConfig{
		Source:         source,
		StartPattern:   multiline.DefaultStartPattern,
		ExtractPattern: DefaultExtractPattern,
		ChunkSize:      DefaultChunkSize,
		SkipLimit:      DefaultSkipLimit,
		Mode:           ModeFile,
	}
}

// Result summarizes a finished run. EntriesEmitted counts entries handed to
// the exporter; delivery to the sink is only confirmed by StatusCompleted.
type Result struct {
	ID             string
	Status         Status
	RecordsRead    int64
	EntriesEmitted int64
	Skipped        int64
	StartedAt      time.Time
	FinishedAt     time.Time
	Err            error
}

// DriverOptions configures a Driver. All fields are optional.
type DriverOptions struct {
	Registry     *grok.Registry
	Normalizer   *normalize.Normalizer
	Recorder     RunRecorder
	Notifier     Notifier
	InstanceID   string
	FlushTimeout time.Duration
	Logger       *slog.Logger
}

// Driver executes runs against a shared exporter. It is safe for concurrent
// use; each run holds its own reader and skip budget.
type Driver struct {
	exp  Emitter
	opts DriverOptions
	log  *slog.Logger
}

// NewDriver creates a Driver emitting to exp.
func NewDriver(exp Emitter, opts DriverOptions) *Driver {
	if opts.Registry == nil {
		opts.Registry = grok.Default()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = normalize.New(nil)
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{exp: exp, opts: opts, log: opts.Logger}
}

// Run executes one run to completion. Pattern errors are returned before
// anything is read or recorded, with a nil Result. Otherwise the Result is
// always non-nil and the returned error equals Result.Err.
func (d *Driver) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.SkipLimit < 0 {
		cfg.SkipLimit = 0
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeFile
	}

	start, proc, err := d.compile(cfg)
	if err != nil {
		return nil, err
	}

	r := &run{
		d:    d,
		cfg:  cfg,
		proc: proc,
		log:  d.log,
		rec: &store.Run{
			ID:         uuid.New().String(),
			InstanceID: d.opts.InstanceID,
			Source:     cfg.Source,
			Mode:       cfg.Mode,
			Status:     string(StatusReading),
			StartedAt:  time.Now(),
		},
	}
	r.log = d.log.With("run", r.rec.ID, "source", cfg.Source)

	res := r.execute(ctx, start)
	return res, res.Err
}

// Validate compiles the patterns of cfg without running it. Errors match
// grok.ErrPatternCompile.
func (d *Driver) Validate(cfg RunConfig) error {
	_, _, err := d.compile(cfg)
	return err
}

func (d *Driver) compile(cfg RunConfig) (*regexp.Regexp, Processor, error) {
	start, err := multiline.CompileStart(cfg.StartPattern)
	if err != nil {
		return nil, nil, fmt.Errorf("start pattern: %w", err)
	}
	if cfg.Processor != nil {
		return start, cfg.Processor, nil
	}
	pattern := cfg.ExtractPattern
	if pattern == "" {
		pattern = DefaultExtractPattern
	}
	m, err := d.opts.Registry.Compile(pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("extract pattern: %w", err)
	}
	return start, Chain{Extractor: extract.New(m, d.log), Normalizer: d.opts.Normalizer}, nil
}

// run holds the state of a single execution.
type run struct {
	d    *Driver
	cfg  RunConfig
	proc Processor
	log  *slog.Logger
	rec  *store.Run

	read, emitted, skipped int64
}

func (r *run) execute(ctx context.Context, start *regexp.Regexp) *Result {
	monitor.RunsActive.Inc()
	defer monitor.RunsActive.Dec()

	if rec := r.d.opts.Recorder; rec != nil {
		if err := rec.StartRun(r.rec); err != nil {
			r.log.Warn("recording run start failed", "error", err)
		}
	}
	r.log.Info("run started", "mode", r.cfg.Mode, "chunk_size", r.cfg.ChunkSize, "skip_limit", r.cfg.SkipLimit)

	err := r.process(ctx, start)
	return r.finish(ctx, err)
}

func (r *run) process(ctx context.Context, start *regexp.Regexp) error {
	counter, counted := r.d.exp.(rejectionCounter)
	var rejectedBefore int64
	if counted {
		rejectedBefore = counter.Rejected()
	}

	rd, err := multiline.Open(r.cfg.Source, start)
	if err != nil {
		return err
	}
	defer rd.Close()

	chunk := make([]event.Record, 0, r.cfg.ChunkSize)
	entries := make([]event.Entry, 0, r.cfg.ChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled: %w", err)
		}

		r.rec.Status = string(StatusReading)
		chunk = chunk[:0]
		eof := false
		for len(chunk) < r.cfg.ChunkSize {
			rec, err := rd.Next()
			if errors.Is(err, io.EOF) {
				eof = true
				break
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", r.cfg.Source, err)
			}
			r.read++
			monitor.RecordsRead.Inc()
			chunk = append(chunk, rec)
		}

		r.rec.Status = string(StatusProcessing)
		entries = entries[:0]
		for _, rec := range chunk {
			if rec.IsBlank() {
				continue
			}
			entry, err := safeProcess(r.proc, rec)
			if err != nil {
				r.skipped++
				monitor.RecordsSkipped.Inc()
				r.log.Warn("skipping record", "first_line", rec.FirstSeq, "skipped", r.skipped, "error", err)
				if r.skipped > int64(r.cfg.SkipLimit) {
					return fmt.Errorf("%w: %d failed records, limit %d: %w",
						ErrSkipLimitExceeded, r.skipped, r.cfg.SkipLimit, err)
				}
				continue
			}
			if entry != nil {
				entries = append(entries, *entry)
			}
		}

		for _, e := range entries {
			if err := r.d.exp.Emit(ctx, e); err != nil {
				return fmt.Errorf("emitting entry: %w", err)
			}
			r.emitted++
		}

		if eof {
			break
		}
	}

	fctx, cancel := context.WithTimeout(ctx, r.d.opts.FlushTimeout)
	defer cancel()
	if err := r.d.exp.ForceFlush(fctx); err != nil {
		return fmt.Errorf("flushing entries: %w", err)
	}
	// The exporter is shared, so a rejection during this run may belong to
	// another run's batch. The entries are treated as unflushed either way.
	if counted {
		if n := counter.Rejected() - rejectedBefore; n > 0 {
			return fmt.Errorf("flushing entries: %w",
				&exporter.UnflushedError{Rejected: n, Err: exporter.ErrExportRejected})
		}
	}
	return nil
}

func (r *run) finish(ctx context.Context, err error) *Result {
	status := StatusCompleted
	if err != nil {
		status = StatusFailed
	}

	r.rec.Status = string(status)
	r.rec.FinishedAt = time.Now()
	r.rec.RecordsRead = r.read
	r.rec.EntriesEmitted = r.emitted
	r.rec.Skipped = r.skipped
	if err != nil {
		r.rec.Error = err.Error()
	}

	monitor.Runs.WithLabelValues(string(status)).Inc()

	attrs := []any{
		"status", status,
		"records_read", r.read,
		"entries_emitted", r.emitted,
		"skipped", r.skipped,
		"duration", r.rec.Duration(),
	}
	if err != nil {
		r.log.Error("run failed", append(attrs, "error", err)...)
	} else {
		r.log.Info("run finished", attrs...)
	}

	if rec := r.d.opts.Recorder; rec != nil {
		if ferr := rec.FinishRun(r.rec); ferr != nil {
			r.log.Warn("recording run finish failed", "error", ferr)
		}
	}
	if n := r.d.opts.Notifier; n != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if nerr := n.Report(nctx, r.rec); nerr != nil {
			r.log.Warn("reporting run failed", "error", nerr)
		}
		cancel()
	}

	return &Result{
		ID:             r.rec.ID,
		Status:         status,
		RecordsRead:    r.read,
		EntriesEmitted: r.emitted,
		Skipped:        r.skipped,
		StartedAt:      r.rec.StartedAt,
		FinishedAt:     r.rec.FinishedAt,
		Err:            err,
	}
}
