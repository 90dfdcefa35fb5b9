package event

import "strings"

// Severity is the ordered log severity of an Entry. Numeric values follow the
// OpenTelemetry log data model so sinks can emit them unchanged.
type Severity int32

const (
	SevTrace Severity = 1
	SevDebug Severity = 5
	SevInfo  Severity = 9
	SevWarn  Severity = 13
	SevError Severity = 17
	SevFatal Severity = 21
)

// ParseSeverity maps a level token to a Severity. Matching is
// case-insensitive; unknown tokens map to SevInfo.
func ParseSeverity(level string) Severity {
	switch strings.ToUpper(level) {
	case "TRACE":
		return SevTrace
	case "DEBUG":
		return SevDebug
	case "WARN":
		return SevWarn
	case "ERROR":
		return SevError
	case "FATAL":
		return SevFatal
	default:
		return SevInfo
	}
}

// String returns the canonical upper-case name of the severity.
func (s Severity) String() string {
	switch s {
	case SevTrace:
		return "TRACE"
	case SevDebug:
		return "DEBUG"
	case SevInfo:
		return "INFO"
	case SevWarn:
		return "WARN"
	case SevError:
		return "ERROR"
	case SevFatal:
		return "FATAL"
	default:
		return "UNSPECIFIED"
	}
}
