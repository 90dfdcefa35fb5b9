package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/setevik/logbridge/internal/event"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func appendTo(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(s); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

// next waits for one line from ch.
func next(t *testing.T, ch <-chan event.RawLine) event.RawLine {
	t.Helper()
	select {
	case l, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return l
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for line")
	}
	return event.RawLine{}
}

func startTail(t *testing.T, path string, opts TailOptions) <-chan event.RawLine {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	opts.Logger = quiet
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ch, err := NewTailSource(path, opts).Lines(ctx)
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	return ch
}

func TestTailStartsAtEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendTo(t, path, "old line\n")

	ch := startTail(t, path, TailOptions{})
	appendTo(t, path, "new line\n")

	l := next(t, ch)
	if l.Text != "new line" {
		t.Errorf("first line = %q, want %q", l.Text, "new line")
	}
	if l.Seq != 1 {
		t.Errorf("Seq = %d, want 1", l.Seq)
	}
}

func TestTailFromStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendTo(t, path, "old line\n")

	ch := startTail(t, path, TailOptions{FromStart: true})
	if l := next(t, ch); l.Text != "old line" {
		t.Errorf("first line = %q, want %q", l.Text, "old line")
	}
}

func TestTailJoinsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendTo(t, path, "")

	ch := startTail(t, path, TailOptions{})
	appendTo(t, path, "half of ")
	time.Sleep(60 * time.Millisecond)
	appendTo(t, path, "a line\r\nnext\n")

	if l := next(t, ch); l.Text != "half of a line" {
		t.Errorf("line = %q, want %q", l.Text, "half of a line")
	}
	if l := next(t, ch); l.Text != "next" || l.Seq != 2 {
		t.Errorf("line = %+v, want next/2", l)
	}
}

func TestTailRewindsOnTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendTo(t, path, "")

	ch := startTail(t, path, TailOptions{})
	appendTo(t, path, "before truncate, fairly long line\n")
	next(t, ch)

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	appendTo(t, path, "after\n")

	if l := next(t, ch); l.Text != "after" {
		t.Errorf("line after truncate = %q, want %q", l.Text, "after")
	}
}

func TestTailReopensReplacedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendTo(t, path, "")

	ch := startTail(t, path, TailOptions{})
	appendTo(t, path, "one\n")
	next(t, ch)

	if err := os.Rename(path, filepath.Join(dir, "app.log.1")); err != nil {
		t.Fatal(err)
	}
	appendTo(t, path, "two\n")

	if l := next(t, ch); l.Text != "two" {
		t.Errorf("line after rotation = %q, want %q", l.Text, "two")
	}
}

func TestTailMissingFile(t *testing.T) {
	s := NewTailSource(filepath.Join(t.TempDir(), "missing.log"), TailOptions{Logger: quiet})
	if _, err := s.Lines(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestTailStopClosesChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendTo(t, path, "")

	s := NewTailSource(path, TailOptions{PollInterval: 20 * time.Millisecond, Logger: quiet})
	ch, err := s.Lines(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	s.Stop()
	collect(t, ch, 3*time.Second)
}

func TestFileSourceReplaysAndCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendTo(t, path, "a\r\nb\nc\n")

	ch, err := NewFileSource(path, 0).Lines(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, ch, 3*time.Second)
	if len(got) != 3 || got[0].Text != "a" || got[2].Text != "c" || got[2].Seq != 3 {
		t.Errorf("replayed lines = %+v", got)
	}
}

func TestFileSourceMissing(t *testing.T) {
	if _, err := NewFileSource("/nonexistent/app.log", 0).Lines(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}
