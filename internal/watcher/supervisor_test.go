package watcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/setevik/logbridge/internal/event"
)

// scriptedSource emits its lines and closes, or fails to start.
type scriptedSource struct {
	lines   []string
	fail    bool
	stopped *atomic.Int32
}

func (s scriptedSource) Lines(ctx context.Context) (<-chan event.RawLine, error) {
	if s.fail {
		return nil, errors.New("cannot open")
	}
	ch := make(chan event.RawLine, len(s.lines))
	for i, l := range s.lines {
		ch <- event.RawLine{Text: l, Seq: int64(i + 1)}
	}
	close(ch)
	return ch, nil
}

func (s scriptedSource) Stop() {
	if s.stopped != nil {
		s.stopped.Add(1)
	}
}

func TestSupervisedSourceRestartsAndRenumbers(t *testing.T) {
	var stopped atomic.Int32
	script := []scriptedSource{
		{lines: []string{"a", "b"}, stopped: &stopped},
		{fail: true},
		{lines: []string{"c"}, stopped: &stopped},
	}
	var calls atomic.Int32
	factory := func() LineSource {
		i := int(calls.Add(1)) - 1
		if i < len(script) {
			return script[i]
		}
		return scriptedSource{fail: true}
	}

	s := NewSupervisedSource(factory, time.Millisecond, 4)
	ch, err := s.Lines(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, ch, 3*time.Second)

	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d", len(got), len(want))
	}
	for i, l := range got {
		if l.Text != want[i] || l.Seq != int64(i+1) {
			t.Errorf("line %d = %+v, want %q seq %d", i, l, want[i], i+1)
		}
	}
	if calls.Load() != 4 {
		t.Errorf("factory called %d times, want 4", calls.Load())
	}
	if stopped.Load() != 2 {
		t.Errorf("stopped %d sources, want 2", stopped.Load())
	}
}

func TestSupervisedSourceStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSupervisedSource(func() LineSource { return scriptedSource{fail: true} }, time.Hour, 0)

	ch, err := s.Lines(ctx)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	collect(t, ch, 3*time.Second)
}

func TestSupervisedSourceStop(t *testing.T) {
	s := NewSupervisedSource(func() LineSource { return scriptedSource{fail: true} }, time.Hour, 0)

	ch, err := s.Lines(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	s.Stop()
	collect(t, ch, 3*time.Second)
}

func TestSupervisedSourceGivesUp(t *testing.T) {
	var calls atomic.Int32
	s := NewSupervisedSource(func() LineSource {
		calls.Add(1)
		return scriptedSource{fail: true}
	}, time.Millisecond, 3)

	ch, err := s.Lines(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, ch, 3*time.Second); len(got) != 0 {
		t.Errorf("got %d lines from failing sources", len(got))
	}
	if calls.Load() != 3 {
		t.Errorf("factory called %d times, want 3", calls.Load())
	}
}
