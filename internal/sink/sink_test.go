package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/setevik/logbridge/internal/config"
	"github.com/setevik/logbridge/internal/event"
)

var testRes = Resource{Service: "iseries-log-bridge", Instance: "as400-prod"}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleEntries() []event.Entry {
	ts := time.Date(2023, 10, 27, 10, 0, 0, 0, time.UTC)
	return []event.Entry{
		{
			Timestamp:    ts,
			Severity:     event.SevError,
			SeverityText: "ERROR",
			Body:         "Something went wrong",
			Attributes:   map[string]string{"custom_field": "value"},
		},
		{
			Timestamp:    ts.Add(time.Second),
			Severity:     event.SevInfo,
			SeverityText: "info",
			Body:         "line one\n  line two",
		},
	}
}

func decodeLines(t *testing.T, r io.Reader) []Document {
	t.Helper()
	var docs []Document
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var d Document
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			t.Fatalf("decoding %q: %v", sc.Text(), err)
		}
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return docs
}

func TestNewDocument(t *testing.T) {
	entries := sampleEntries()

	d := NewDocument(entries[0], testRes)
	if d.Level != "ERROR" || d.SeverityNumber != 17 {
		t.Errorf("level = %q/%d, want ERROR/17", d.Level, d.SeverityNumber)
	}
	if d.Message != "Something went wrong" {
		t.Errorf("message = %q", d.Message)
	}
	if d.Service != "iseries-log-bridge" || d.Instance != "as400-prod" {
		t.Errorf("resource = %q/%q", d.Service, d.Instance)
	}
	if _, ok := d.Attributes["severity_text"]; ok {
		t.Error("severity_text should be omitted when it equals the level")
	}

	d = NewDocument(entries[1], testRes)
	if d.Attributes["severity_text"] != "info" {
		t.Errorf("raw severity text not kept: %v", d.Attributes)
	}
	if entries[1].Attributes != nil {
		t.Error("entry attributes must not be modified")
	}
}

func TestFileSinkJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "logs.jsonl")

	w, err := NewFile(path, testRes)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	ctx := context.Background()
	if err := w.Export(ctx, sampleEntries()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	docs := decodeLines(t, f)
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	if docs[1].Message != "line one\n  line two" {
		t.Errorf("multi-line message = %q", docs[1].Message)
	}
	if docs[0].Attributes["custom_field"] != "value" {
		t.Errorf("attributes = %v", docs[0].Attributes)
	}

	if err := w.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := w.Export(ctx, sampleEntries()); !errors.Is(err, ErrClosed) {
		t.Errorf("Export after Shutdown = %v, want ErrClosed", err)
	}
}

func TestFileSinkZstdAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.jsonl.zst")
	ctx := context.Background()

	for range 2 {
		w, err := NewFile(path, testRes)
		if err != nil {
			t.Fatalf("NewFile: %v", err)
		}
		if err := w.Export(ctx, sampleEntries()); err != nil {
			t.Fatalf("Export: %v", err)
		}
		if err := w.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	docs := decodeLines(t, dec)
	if len(docs) != 4 {
		t.Fatalf("got %d documents across frames, want 4", len(docs))
	}
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakySink) Export(context.Context, []event.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakySink) Flush(context.Context) error    { return nil }
func (f *flakySink) Shutdown(context.Context) error { return nil }

func TestRetryingRecovers(t *testing.T) {
	inner := &flakySink{failures: 2, err: errors.New("503")}
	r := NewRetrying(inner, RetryOptions{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Logger: quietLogger()})

	if err := r.Export(context.Background(), sampleEntries()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryingGivesUp(t *testing.T) {
	boom := errors.New("503")
	inner := &flakySink{failures: 10, err: boom}
	r := NewRetrying(inner, RetryOptions{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Logger: quietLogger()})

	err := r.Export(context.Background(), sampleEntries())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryingDoesNotRetryClosed(t *testing.T) {
	inner := &flakySink{failures: 10, err: ErrClosed}
	r := NewRetrying(inner, RetryOptions{Attempts: 5, InitialBackoff: time.Millisecond, Logger: quietLogger()})

	if err := r.Export(context.Background(), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetryingHonorsContext(t *testing.T) {
	inner := &flakySink{failures: 10, err: errors.New("down")}
	r := NewRetrying(inner, RetryOptions{Attempts: 10, InitialBackoff: time.Hour, Logger: quietLogger()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Export(ctx, sampleEntries())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("retry loop ignored context")
	}
}

func TestRetryingDefaults(t *testing.T) {
	r := NewRetrying(&flakySink{}, RetryOptions{})
	if r.opts.Attempts != DefaultRetryAttempts || r.opts.InitialBackoff != DefaultInitialBackoff || r.opts.MaxBackoff != DefaultMaxBackoff {
		t.Errorf("defaults = %+v", r.opts)
	}
}

func TestFactory(t *testing.T) {
	cfg := config.Default()
	cfg.Sink.Type = config.SinkFile
	cfg.Sink.File.Path = filepath.Join(t.TempDir(), "out.jsonl")

	s, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := s.(*Retrying); !ok {
		t.Errorf("sink = %T, want *Retrying by default", s)
	}
	s.Shutdown(context.Background())

	cfg.Sink.Retry.Attempts = 1
	s, err = New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := s.(*Writer); !ok {
		t.Errorf("sink = %T, want *Writer with retries disabled", s)
	}
	s.Shutdown(context.Background())

	cfg.Sink.Type = "carrier-pigeon"
	if _, err := New(cfg, quietLogger()); err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("unknown sink type error = %v", err)
	}
}
