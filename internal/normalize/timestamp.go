package normalize

import (
	"strings"
	"time"
)

// TimestampResolver decides the timestamp of an entry from the raw
// "timestamp" field, if any.
type TimestampResolver interface {
	Resolve(raw string, present bool) time.Time
}

// WallClock stamps every entry with the current time and ignores the
// extracted value.
type WallClock struct{}

func (WallClock) Resolve(string, bool) time.Time { return time.Now() }

// DefaultLayouts are tried in order by Layouts when none are configured.
var DefaultLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05,999999999",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"02/Jan/2006:15:04:05 -0700",
	time.Stamp,
}

// Layouts parses the extracted timestamp with Go time layouts, falling back
// to the current time when the field is absent or nothing matches.
type Layouts struct {
	Layouts  []string
	Location *time.Location // zone for layouts without one; default time.Local
	Now      func() time.Time
}

func (l Layouts) Resolve(raw string, present bool) time.Time {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	raw = strings.TrimSpace(raw)
	if !present || raw == "" {
		return now()
	}

	loc := l.Location
	if loc == nil {
		loc = time.Local
	}
	layouts := l.Layouts
	if len(layouts) == 0 {
		layouts = DefaultLayouts
	}

	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, raw, loc)
		if err != nil {
			continue
		}
		if t.Year() == 0 {
			// Syslog stamps carry no year.
			n := now().In(loc)
			t = time.Date(n.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
			if t.After(n.Add(24 * time.Hour)) {
				t = t.AddDate(-1, 0, 0)
			}
		}
		return t
	}
	return now()
}
