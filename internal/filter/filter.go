// Package filter decides which feed entries are noise. Rules are evaluated
// in order and the first match wins; every rule is gated on the entry's
// source type, so entries from unknown sources are never filtered.
package filter

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/linnemanlabs/aftershock/internal/disaster"
)

const (
	// GDACSMinMagnitude is the smallest GDACS earthquake worth reporting.
	GDACSMinMagnitude = 6.0

	// USGSMinMagnitude is the smallest USGS earthquake worth reporting.
	USGSMinMagnitude = 5.8
)

// Rule is one named suppression heuristic.
type Rule struct {
	Name   string
	Source disaster.SourceType
	Match  func(e *disaster.RawEntry, d *disaster.Details) bool
}

var (
	magnitudeRe  = regexp.MustCompile(`(?i)(?:^|\s)(?:m|magnitude)\s*(\d+\.?\d*)`)
	rawGreenRe   = regexp.MustCompile(`(?i)alertlevel\s*>\s*green`)
	numericSevRe = regexp.MustCompile(`^[0-9.]+$`)
)

// Rules is the ordered decision chain. Rules that look at details return
// false when details are nil, so a pre-extraction match is never reversed
// by a post-extraction call.
var Rules = []Rule{
	{
		// SPC mesoscale discussions are operational chatter, not events.
		Name:   "spc-mesoscale-discussion",
		Source: disaster.SourceSPC,
		Match: func(e *disaster.RawEntry, _ *disaster.Details) bool {
			return strings.Contains(lower(e.Link), "/md/") || strings.HasPrefix(lower(e.Title), "spc md")
		},
	},
	{
		Name:   "spc-outlook",
		Source: disaster.SourceSPC,
		Match: func(e *disaster.RawEntry, _ *disaster.Details) bool {
			return strings.Contains(lower(e.Link), "/outlook/") || strings.Contains(lower(e.Title), "outlook")
		},
	},
	{
		Name:   "gdacs-green-title",
		Source: disaster.SourceGDACS,
		Match: func(e *disaster.RawEntry, _ *disaster.Details) bool {
			return strings.HasPrefix(lower(e.Title), "green ")
		},
	},
	{
		Name:   "gdacs-green-alert-text",
		Source: disaster.SourceGDACS,
		Match: func(e *disaster.RawEntry, _ *disaster.Details) bool {
			title := lower(e.Title)
			return strings.Contains(title, "green alert") ||
				strings.Contains(title, "green earthquake") ||
				strings.Contains(lower(e.Summary), "green alert")
		},
	},
	{
		Name:   "gdacs-green-extension",
		Source: disaster.SourceGDACS,
		Match: func(e *disaster.RawEntry, _ *disaster.Details) bool {
			for k, v := range e.Extensions {
				if strings.Contains(lower(k), "alertlevel") && strings.EqualFold(strings.TrimSpace(v), "green") {
					return true
				}
			}
			return false
		},
	},
	{
		Name:   "gdacs-green-raw",
		Source: disaster.SourceGDACS,
		Match: func(e *disaster.RawEntry, _ *disaster.Details) bool {
			return rawGreenRe.MatchString(e.Raw)
		},
	},
	{
		Name:   "gdacs-green-icon",
		Source: disaster.SourceGDACS,
		Match: func(e *disaster.RawEntry, _ *disaster.Details) bool {
			icon := lower(e.Icon)
			return strings.Contains(icon, "green") && strings.Contains(icon, "eq")
		},
	},
	{
		Name:   "gdacs-green-extracted",
		Source: disaster.SourceGDACS,
		Match: func(_ *disaster.RawEntry, d *disaster.Details) bool {
			return d != nil && strings.EqualFold(strings.TrimSpace(d.AlertLevel), "green")
		},
	},
	{
		Name:   "gdacs-weak-earthquake",
		Source: disaster.SourceGDACS,
		Match: func(_ *disaster.RawEntry, d *disaster.Details) bool {
			return extractedBelow(d, GDACSMinMagnitude)
		},
	},
	{
		// Title wins over summary: a parsed title magnitude is never
		// second-guessed by one found in the summary.
		Name:   "usgs-weak-magnitude",
		Source: disaster.SourceUSGS,
		Match: func(e *disaster.RawEntry, _ *disaster.Details) bool {
			mag, ok := ParseMagnitude(e.Title)
			if !ok {
				mag, ok = ParseMagnitude(e.Summary)
			}
			return ok && mag < USGSMinMagnitude
		},
	},
	{
		Name:   "usgs-weak-extracted",
		Source: disaster.SourceUSGS,
		Match: func(_ *disaster.RawEntry, d *disaster.Details) bool {
			return extractedBelow(d, USGSMinMagnitude)
		},
	},
}

// ShouldFilter reports whether the entry should be dropped. details may be
// nil before extraction. A nil entry is always filtered.
func ShouldFilter(e *disaster.RawEntry, d *disaster.Details) bool {
	_, ok := Matches(e, d)
	return ok
}

// Matches returns the name of the first rule that fires.
func Matches(e *disaster.RawEntry, d *disaster.Details) (string, bool) {
	if e == nil {
		return "malformed-entry", true
	}
	for _, r := range Rules {
		if r.Source != e.SourceType {
			continue
		}
		if r.Match(e, d) {
			return r.Name, true
		}
	}
	return "", false
}

// ParseMagnitude finds an "M6.1" or "magnitude 6.1" token in s.
func ParseMagnitude(s string) (float64, bool) {
	m := magnitudeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// extractedBelow reports whether the details describe an earthquake whose
// numeric severity is under min. Non-numeric severities never match.
func extractedBelow(d *disaster.Details, limit float64) bool {
	if d == nil || !strings.EqualFold(strings.TrimSpace(d.DisasterType), "earthquake") {
		return false
	}
	sev := strings.TrimSpace(d.SeverityString())
	if !numericSevRe.MatchString(sev) {
		return false
	}
	v, err := strconv.ParseFloat(sev, 64)
	if err != nil {
		return false
	}
	return v < limit
}

func lower(s string) string { return strings.ToLower(s) }
