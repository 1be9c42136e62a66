// pkg/converter/dates.go
package converter

import (
	"fmt"
	"strings"
	"time"
)

// CanonicalDateLayout is the representation the cleaner rewrites dates to
const CanonicalDateLayout = time.RFC3339

var dateLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"20060102T150405Z",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"01-02-2006",
	"2006/01/02",
	time.RFC1123,
	time.RFC1123Z,
}

// ParseDate parses a timestamp in any recognized layout and returns the layout used
func ParseDate(s string) (time.Time, string, error) {
	v := strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, v)
		if err == nil {
			return t.UTC(), layout, nil
		}
	}
	return time.Time{}, "", fmt.Errorf("cannot parse %q as timestamp", s)
}

// DetectTimeFormat returns the layout matching value, or "" when none does
func DetectTimeFormat(value string) string {
	_, layout, err := ParseDate(value)
	if err != nil {
		return ""
	}
	return layout
}

// CanonicalDate renders a timestamp in canonical form
func CanonicalDate(t time.Time) string {
	return t.UTC().Format(CanonicalDateLayout)
}
