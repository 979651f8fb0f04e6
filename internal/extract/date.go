package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/linnemanlabs/aftershock/internal/disaster"
)

// dateLayouts are tried in order. Numeric fields use the unpadded forms so
// "3/7/2024" and "03/07/2024" both parse.
var dateLayouts = []string{
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	"2006-01-02 15:04:05 UTC",
	"2006-01-02 15:04:05",
	"2006-1-2",
	"2 Jan 2006",
	"January 2, 2006",
	"1/2/2006",
	"2/1/2006",
}

var embeddedDateRe = regexp.MustCompile(`\d{4}[-/]\d{1,2}[-/]\d{1,2}`)

// NormalizeDate renders s as YYYY-MM-DD, or disaster.UnknownDate when no
// known layout or embedded date can be found.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return disaster.UnknownDate
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.DateOnly)
		}
	}

	if m := embeddedDateRe.FindString(s); m != "" {
		if t, err := time.Parse("2006-1-2", strings.ReplaceAll(m, "/", "-")); err == nil {
			return t.Format(time.DateOnly)
		}
	}

	return disaster.UnknownDate
}
