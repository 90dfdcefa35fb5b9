// Package normalize maps extracted fields onto canonical log entries.
package normalize

import (
	"github.com/setevik/logbridge/internal/event"
)

const defaultLevel = "INFO"

// Normalizer converts Fields to Entries. It is safe for concurrent use.
type Normalizer struct {
	resolver TimestampResolver
}

// New creates a Normalizer. A nil resolver uses WallClock.
func New(resolver TimestampResolver) *Normalizer {
	if resolver == nil {
		resolver = WallClock{}
	}
	return &Normalizer{resolver: resolver}
}

// Normalize builds the Entry for f. It never fails: missing fields take
// their defaults and unknown levels map to INFO.
func (n *Normalizer) Normalize(f event.Fields) event.Entry {
	level, ok := f.Get(event.FieldLevel)
	if !ok {
		level = defaultLevel
	}
	body, _ := f.Get(event.FieldMessage)
	raw, hasTS := f.Get(event.FieldTimestamp)

	attrs := make(map[string]string, len(f.Values)+1)
	for k, v := range f.Values {
		if event.IsReserved(k) {
			continue
		}
		attrs[k] = v
	}
	if f.ParseError {
		attrs[event.FieldParseErr] = "true"
	}

	return event.Entry{
		Timestamp:    n.resolver.Resolve(raw, hasTS),
		Severity:     event.ParseSeverity(level),
		SeverityText: level,
		Body:         body,
		Attributes:   attrs,
	}
}
