package pruner

import (
	"fmt"
	"strings"
	"time"
)

// naiveLayouts carry no zone; values in these layouts are read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseCutoff parses a date filter. Zoned values (RFC 3339) are converted to
// UTC; naive values are taken to be UTC already. The result is always UTC.
func ParseCutoff(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty cutoff")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid cutoff %q: want RFC 3339 or YYYY-MM-DD[ HH:MM[:SS]]", s)
}
