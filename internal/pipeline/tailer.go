package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/setevik/logbridge/internal/event"
	"github.com/setevik/logbridge/internal/window"
)

// LineSource produces live lines until its context is cancelled.
type LineSource interface {
	Lines(ctx context.Context) (<-chan event.RawLine, error)
}

// TailerOptions configures a Tailer.
type TailerOptions struct {
	// Run is the template for every chunk run; Source and Mode are set per
	// chunk.
	Run RunConfig

	WindowSize        int
	IdleTimeout       time.Duration
	SpoolDir          string // defaults to os.TempDir()/logbridge
	KeepChunks        bool
	MaxConcurrentRuns int // defaults to 4
	Logger            *slog.Logger
}

// Tailer turns a live line stream into a sequence of independent runs, one
// per released window.
type Tailer struct {
	driver *Driver
	source LineSource
	opts   TailerOptions
	log    *slog.Logger
}

// NewTailer creates a Tailer feeding runs on driver from source.
func NewTailer(driver *Driver, source LineSource, opts TailerOptions) *Tailer {
	if opts.WindowSize <= 0 {
		opts.WindowSize = window.DefaultSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = window.DefaultIdle
	}
	if opts.SpoolDir == "" {
		opts.SpoolDir = filepath.Join(os.TempDir(), "logbridge")
	}
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tailer{driver: driver, source: source, opts: opts, log: opts.Logger}
}

// Run tails until ctx is cancelled or the source ends. The partial window
// left at shutdown is still run, and Run returns once every in-flight run
// has finished.
func (t *Tailer) Run(ctx context.Context) error {
	if err := t.driver.Validate(t.opts.Run); err != nil {
		return err
	}
	if err := os.MkdirAll(t.opts.SpoolDir, 0o750); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}

	lines, err := t.source.Lines(ctx)
	if err != nil {
		return fmt.Errorf("starting line source: %w", err)
	}

	groups := window.New(t.opts.WindowSize, t.opts.IdleTimeout).Run(ctx, lines)

	// Chunks already spooled are run to completion even after ctx ends.
	runCtx := context.WithoutCancel(ctx)
	sem := make(chan struct{}, t.opts.MaxConcurrentRuns)
	var wg sync.WaitGroup

	t.log.Info("tailer started",
		"window_size", t.opts.WindowSize,
		"idle_timeout", t.opts.IdleTimeout,
		"spool_dir", t.opts.SpoolDir,
		"max_concurrent_runs", t.opts.MaxConcurrentRuns,
	)

	for group := range groups {
		path, err := t.spool(group)
		if err != nil {
			t.log.Error("spooling chunk failed", "lines", len(group), "error", err)
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			t.runChunk(runCtx, path)
		}()
	}

	wg.Wait()
	t.log.Info("tailer stopped")
	return nil
}

func (t *Tailer) runChunk(ctx context.Context, path string) {
	cfg := t.opts.Run
	cfg.Source = path
	cfg.Mode = ModeTail

	res, err := t.driver.Run(ctx, cfg)
	if res == nil {
		t.log.Error("chunk run not started", "chunk", path, "error", err)
	}

	if t.opts.KeepChunks {
		return
	}
	if err := os.Remove(path); err != nil {
		t.log.Warn("removing chunk failed", "chunk", path, "error", err)
	}
}

// spool writes a released group to a new chunk file, one line per RawLine.
func (t *Tailer) spool(group []event.RawLine) (string, error) {
	path := filepath.Join(t.opts.SpoolDir, "chunk-"+uuid.New().String()+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", err
	}

	w := bufio.NewWriter(f)
	for _, l := range group {
		w.WriteString(l.Text)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
