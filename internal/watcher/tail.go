package watcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/setevik/logbridge/internal/event"
	"github.com/setevik/logbridge/internal/monitor"
)

// TailOptions configures a TailSource.
type TailOptions struct {
	// PollInterval is the fallback re-check period when no filesystem
	// event arrives. Defaults to 1s.
	PollInterval time.Duration
	// QueueSize bounds the output channel. Defaults to DefaultQueueSize.
	QueueSize int
	// FromStart reads existing content instead of starting at end of file.
	FromStart bool
	Logger    *slog.Logger
}

// TailSource implements LineSource by following appends to a file. It opens
// at end of file, wakes on fsnotify write events or the poll interval,
// rewinds when the file is truncated and reopens it when it is replaced.
type TailSource struct {
	path string
	opts TailOptions
	log  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewTailSource creates a TailSource for path.
func NewTailSource(path string, opts TailOptions) *TailSource {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TailSource{path: path, opts: opts, log: opts.Logger.With("path", path)}
}

func (s *TailSource) Lines(ctx context.Context) (<-chan event.RawLine, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.path, err)
	}
	var offset int64
	if !s.opts.FromStart {
		offset, err = f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("seeking to end of %s: %w", s.path, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	// Watch the directory so that rotation by rename and recreate is seen.
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("fsnotify unavailable, polling only", "error", err)
		w = nil
	} else if err := w.Add(filepath.Dir(s.path)); err != nil {
		s.log.Warn("watching directory failed, polling only", "error", err)
		w.Close()
		w = nil
	}

	t := &tailer{
		src:    s,
		file:   f,
		reader: bufio.NewReaderSize(f, 64*1024),
		offset: offset,
		out:    make(chan event.RawLine, s.opts.QueueSize),
		watch:  w,
	}
	go t.run(ctx)

	s.log.Info("tailing file", "offset", offset, "poll_interval", s.opts.PollInterval)
	return t.out, nil
}

func (s *TailSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// tailer is the state of one Lines session.
type tailer struct {
	src     *TailSource
	file    *os.File
	reader  *bufio.Reader
	offset  int64
	partial strings.Builder
	seq     int64
	out     chan event.RawLine
	watch   *fsnotify.Watcher
}

func (t *tailer) run(ctx context.Context) {
	defer close(t.out)
	defer func() {
		if t.file != nil {
			t.file.Close()
		}
	}()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if t.watch != nil {
		defer t.watch.Close()
		events = t.watch.Events
		errs = t.watch.Errors
	}

	ticker := time.NewTicker(t.src.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := t.drain(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				t.src.log.Error("tail read failed", "error", err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(t.src.path) {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.src.log.Warn("fsnotify error", "error", err)
		case <-ticker.C:
		}

		if err := t.checkFile(); err != nil {
			t.src.log.Error("tail check failed", "error", err)
			return
		}
	}
}

// drain reads every complete line currently available.
func (t *tailer) drain(ctx context.Context) error {
	if t.file == nil {
		return nil
	}
	for {
		chunk, err := t.reader.ReadString('\n')
		t.offset += int64(len(chunk))
		if err != nil {
			// Keep the unterminated tail until the writer finishes the line.
			t.partial.WriteString(chunk)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		t.partial.WriteString(chunk)
		line := strings.TrimRight(t.partial.String(), "\r\n")
		t.partial.Reset()

		t.seq++
		monitor.LinesTailed.Inc()
		select {
		case t.out <- event.RawLine{Text: line, Seq: t.seq}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// checkFile handles truncation and replacement of the tailed path.
func (t *tailer) checkFile() error {
	info, err := os.Stat(t.src.path)
	if errors.Is(err, os.ErrNotExist) {
		// Rotated away; wait for it to be recreated.
		return nil
	}
	if err != nil {
		return err
	}

	if t.file != nil {
		cur, err := t.file.Stat()
		if err == nil && os.SameFile(cur, info) {
			if info.Size() < t.offset {
				t.src.log.Info("file truncated, rewinding", "size", info.Size(), "offset", t.offset)
				return t.rewind()
			}
			return nil
		}
		t.file.Close()
		t.file = nil
	}

	f, err := os.Open(t.src.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	t.src.log.Info("file replaced, reopening")
	t.file = f
	t.reader.Reset(f)
	t.offset = 0
	t.partial.Reset()
	return nil
}

func (t *tailer) rewind() error {
	if _, err := t.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding %s: %w", t.src.path, err)
	}
	t.reader.Reset(t.file)
	t.offset = 0
	t.partial.Reset()
	return nil
}
