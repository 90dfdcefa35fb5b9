// Package extract turns logical records into structured fields using a
// compiled grok matcher, falling back to the raw text on mismatch.
package extract

import (
	"log/slog"
	"unicode/utf8"

	"github.com/setevik/logbridge/internal/event"
	"github.com/setevik/logbridge/internal/grok"
	"github.com/setevik/logbridge/internal/monitor"
)

// previewLen bounds the record text included in mismatch warnings.
const previewLen = 200

// Extractor applies one matcher to records. It holds no mutable state and
// may be shared between runs.
type Extractor struct {
	matcher *grok.Matcher
	logger  *slog.Logger
}

// New creates an Extractor. A nil logger uses slog.Default().
func New(m *grok.Matcher, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{matcher: m, logger: logger}
}

// Extract returns the fields captured from rec. Blank records return false
// and must be dropped by the caller. A record the pattern does not match, or
// matches without capturing anything, yields the fallback fields with the
// original text verbatim.
func (e *Extractor) Extract(rec event.Record) (event.Fields, bool) {
	if rec.IsBlank() {
		return event.Fields{}, false
	}

	fields, ok := e.matcher.Match(rec.Text)
	if ok && len(fields.Values) > 0 {
		return fields, true
	}

	monitor.ExtractMismatches.Inc()
	e.logger.Warn("record did not match extraction pattern",
		"pattern", e.matcher.String(),
		"first_line", rec.FirstSeq,
		"record", preview(rec.Text),
	)
	return event.Fallback(rec.Text), true
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	cut := previewLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
