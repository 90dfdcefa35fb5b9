package watcher

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/setevik/logbridge/internal/event"
	"github.com/setevik/logbridge/internal/monitor"
)

// PipeSource implements LineSource by following a systemd unit with
// journalctl --follow, one journal message per line.
type PipeSource struct {
	unit       string
	cursorFile string
	queueSize  int

	// command builds the process to run; replaced in tests.
	command func(ctx context.Context, args ...string) *exec.Cmd

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// NewPipeSource creates a new PipeSource for unit. cursorFile is the path to
// a file where journalctl stores its cursor so a restarted source resumes
// after the last line it delivered. Pass "" to start at the current tail.
func NewPipeSource(unit, cursorFile string, queueSize int) *PipeSource {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &PipeSource{
		unit:       unit,
		cursorFile: cursorFile,
		queueSize:  queueSize,
		command: func(ctx context.Context, args ...string) *exec.Cmd {
			return exec.CommandContext(ctx, "journalctl", args...)
		},
	}
}

// args returns the journalctl arguments for this source.
func (p *PipeSource) args() []string {
	args := []string{
		"--follow",
		"--unit", p.unit,
		"-o", "cat",
		"--no-pager",
	}
	if p.cursorFile != "" {
		args = append(args, "--cursor-file", p.cursorFile)
	} else {
		args = append(args, "--lines", "0")
	}
	return args
}

func (p *PipeSource) Lines(ctx context.Context) (<-chan event.RawLine, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	cmd := p.command(ctx, p.args()...)
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting journalctl: %w", err)
	}

	ch := make(chan event.RawLine, p.queueSize)

	go func() {
		defer close(ch)
		defer func() {
			_ = cmd.Wait()
		}()

		scanner := bufio.NewScanner(stdout)
		// Journal messages can be large; increase buffer to 1MB.
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var seq int64
		for scanner.Scan() {
			seq++
			monitor.LinesTailed.Inc()
			select {
			case ch <- event.RawLine{Text: scanner.Text(), Seq: seq}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			slog.Warn("journal scanner error", "unit", p.unit, "error", err)
		}
	}()

	slog.Info("journal watcher started", "unit", p.unit)
	return ch, nil
}

func (p *PipeSource) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}
