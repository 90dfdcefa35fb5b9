package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/setevik/logbridge/internal/event"
)

// Writer appends one JSON document per line to an io.Writer.
type Writer struct {
	res Resource

	mu     sync.Mutex
	buf    *bufio.Writer
	zw     *zstd.Encoder // nil unless compressing
	file   *os.File      // nil for stdout
	closed bool
}

// NewStdout writes JSON lines to standard output.
func NewStdout(res Resource) *Writer {
	return &Writer{res: res, buf: bufio.NewWriter(os.Stdout)}
}

// NewFile appends JSON lines to path, creating it if needed. Paths ending in
// ".zst" are written as a zstd stream; each open starts a new frame, which
// zstd readers decode as one concatenated stream.
func NewFile(path string, res Resource) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating sink directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening sink file: %w", err)
	}

	w := &Writer{res: res, file: f}
	var out io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		w.zw = zw
		out = zw
	}
	w.buf = bufio.NewWriter(out)
	return w, nil
}

func (w *Writer) Export(_ context.Context, entries []event.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	enc := json.NewEncoder(w.buf)
	enc.SetEscapeHTML(false)
	for _, e := range entries {
		if err := enc.Encode(NewDocument(e, w.res)); err != nil {
			return fmt.Errorf("encoding entry: %w", err)
		}
	}
	return nil
}

func (w *Writer) Flush(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flushing sink buffer: %w", err)
	}
	if w.zw != nil {
		if err := w.zw.Flush(); err != nil {
			return fmt.Errorf("flushing zstd stream: %w", err)
		}
	}
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("syncing sink file: %w", err)
		}
	}
	return nil
}

func (w *Writer) Shutdown(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flushing sink buffer: %w", err)
	}
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return fmt.Errorf("closing zstd stream: %w", err)
		}
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
