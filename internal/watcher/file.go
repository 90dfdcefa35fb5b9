package watcher

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/setevik/logbridge/internal/event"
	"github.com/setevik/logbridge/internal/monitor"
)

// FileSource implements LineSource over the existing content of a file. The
// channel closes at end of file, which makes it suitable for replaying a
// file through the windowed tail path.
type FileSource struct {
	path      string
	queueSize int

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewFileSource creates a FileSource for path. queueSize <= 0 selects
// DefaultQueueSize.
func NewFileSource(path string, queueSize int) *FileSource {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &FileSource{path: path, queueSize: queueSize}
}

func (s *FileSource) Lines(ctx context.Context) (<-chan event.RawLine, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.path, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	ch := make(chan event.RawLine, s.queueSize)

	go func() {
		defer close(ch)
		defer f.Close()
		defer cancel()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var seq int64
		for scanner.Scan() {
			seq++
			monitor.LinesTailed.Inc()
			select {
			case ch <- event.RawLine{Text: strings.TrimRight(scanner.Text(), "\r"), Seq: seq}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			slog.Warn("file scanner error", "path", s.path, "error", err)
		}
	}()

	return ch, nil
}

func (s *FileSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}
