// Package multiline reassembles a stream of physical lines into logical
// records whose boundaries are marked by a start-of-record pattern.
package multiline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/setevik/logbridge/internal/event"
	"github.com/setevik/logbridge/internal/grok"
)

// DefaultStartPattern treats every line as the start of a new record.
const DefaultStartPattern = `^.*`

// maxLineSize bounds a single physical line.
const maxLineSize = 1024 * 1024

var (
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("multiline: reader closed")

	// ErrSourceUnavailable wraps failures to open the underlying source.
	ErrSourceUnavailable = errors.New("source unavailable")
)

// CompileStart compiles a start-of-record pattern. An empty pattern selects
// DefaultStartPattern. Errors match grok.ErrPatternCompile.
func CompileStart(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = DefaultStartPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &grok.CompileError{Pattern: pattern, Err: err}
	}
	return re, nil
}

// Reader is a pull iterator over logical records. It holds at most one line
// of lookahead: the first line of the next record.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	start   *regexp.Regexp

	primed  bool   // first line has been read
	pending bool   // next holds the seed of the next record
	next    string // lookahead line
	nextSeq int64
	seq     int64
	done    bool
	closed  bool
	err     error
}

// New creates a Reader over r. If r is an io.Closer, Close closes it.
func New(r io.Reader, start *regexp.Regexp) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	rd := &Reader{scanner: scanner, start: start}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	return rd
}

// Open opens the file at path and returns a Reader over it.
func Open(path string, start *regexp.Regexp) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	return New(f, start), nil
}

// Next returns the next logical record, or io.EOF once the source is
// exhausted and the final record has been returned.
func (r *Reader) Next() (event.Record, error) {
	if r.closed {
		return event.Record{}, ErrClosed
	}
	if r.err != nil {
		return event.Record{}, r.err
	}

	// EMPTY: seed the first record with the first line, matching or not.
	if !r.primed {
		r.primed = true
		line, ok := r.readLine()
		if !ok {
			return event.Record{}, r.eof()
		}
		r.next, r.nextSeq, r.pending = line, r.seq, true
	}

	if !r.pending {
		return event.Record{}, r.eof()
	}

	// ACCUMULATING: the lookahead line seeds this record.
	var b strings.Builder
	b.WriteString(r.next)
	rec := event.Record{FirstSeq: r.nextSeq, Lines: 1}
	r.pending = false

	for {
		line, ok := r.readLine()
		if !ok {
			break
		}
		if r.start.MatchString(line) {
			r.next, r.nextSeq, r.pending = line, r.seq, true
			break
		}
		b.WriteByte('\n')
		b.WriteString(line)
		rec.Lines++
	}

	rec.Text = b.String()
	return rec, nil
}

// readLine returns the next physical line without its terminator.
func (r *Reader) readLine() (string, bool) {
	if r.done {
		return "", false
	}
	if !r.scanner.Scan() {
		r.done = true
		if err := r.scanner.Err(); err != nil {
			r.err = fmt.Errorf("reading source: %w", err)
		}
		return "", false
	}
	r.seq++
	return strings.TrimSuffix(r.scanner.Text(), "\r"), true
}

func (r *Reader) eof() error {
	if r.err != nil {
		return r.err
	}
	return io.EOF
}

// LinesRead returns the number of physical lines consumed so far.
func (r *Reader) LinesRead() int64 {
	return r.seq
}

// Close releases the underlying source. Closing twice is a no-op.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
