// Package event defines the core data model for logbridge: raw lines,
// reassembled records, extracted fields and canonical log entries.
package event

import (
	"strings"
	"time"
)

// RawLine is a single line of text read from a source.
type RawLine struct {
	Text string
	Seq  int64 // 1-based line number (file) or arrival sequence (tail)
}

// Record is one logical log event, possibly spanning several physical lines
// joined by "\n".
type Record struct {
	Text     string
	FirstSeq int64
	Lines    int
}

// IsBlank reports whether the record holds only whitespace.
func (r Record) IsBlank() bool {
	return strings.TrimSpace(r.Text) == ""
}

// Reserved field names that map onto Entry fields instead of attributes.
const (
	FieldMessage   = "message"
	FieldLevel     = "level"
	FieldTimestamp = "timestamp"
	FieldParseErr  = "parse_error"
)

// Fields is the structured result of extracting one Record.
type Fields struct {
	Values map[string]string

	// ParseError is set when the extraction pattern did not match; Values
	// then holds only the original text under "message".
	ParseError bool
}

// NewFields creates Fields with an initialized value map.
func NewFields() Fields {
	return Fields{Values: make(map[string]string)}
}

// Fallback builds the Fields produced for a record the pattern could not
// match.
func Fallback(text string) Fields {
	return Fields{
		Values:     map[string]string{FieldMessage: text},
		ParseError: true,
	}
}

// Get returns the value for key and whether it was present.
func (f Fields) Get(key string) (string, bool) {
	v, ok := f.Values[key]
	return v, ok
}

// Equal reports whether both field sets hold the same values and flag.
func (f Fields) Equal(o Fields) bool {
	if f.ParseError != o.ParseError || len(f.Values) != len(o.Values) {
		return false
	}
	for k, v := range f.Values {
		if ov, ok := o.Values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// IsReserved reports whether key is consumed by the normalizer rather than
// copied into attributes.
func IsReserved(key string) bool {
	return key == FieldMessage || key == FieldLevel || key == FieldTimestamp
}

// Entry is a normalized log entry ready for export.
type Entry struct {
	Timestamp    time.Time
	Severity     Severity
	SeverityText string
	Body         string
	Attributes   map[string]string
}
