package disaster

import "sort"

// SourceType classifies which feed or agency produced an entry.
type SourceType string

const (
	SourceGDACS     SourceType = "gdacs"
	SourceReliefWeb SourceType = "reliefweb"
	SourceInciWeb   SourceType = "inciweb"
	SourceSPC       SourceType = "noaa_spc"
	SourceUSGS      SourceType = "usgs"
	SourceNHC       SourceType = "nhc"

	// SourceUnknown is an entry from a URL that matched no known agency.
	SourceUnknown SourceType = ""
)

// Sentinel values used when a field could not be determined.
const (
	UnknownType     = "Unknown Type"
	UnknownLocation = "Unknown Location"
	UnknownDate     = "Unknown Date"
)

// fallbackDescriptionLen caps the description synthesized from a summary.
const fallbackDescriptionLen = 100

// RawEntry is one feed item as published. Link is the stable identifier.
type RawEntry struct {
	Title      string            `json:"title"`
	Summary    string            `json:"summary"`
	Link       string            `json:"link"`
	Published  string            `json:"published"`
	Source     string            `json:"source"`
	SourceType SourceType        `json:"source_type"`
	Extensions map[string]string `json:"extensions,omitempty"`
	Icon       string            `json:"icon,omitempty"`
	Raw        string            `json:"-"`
}

// Details is the structured view of a RawEntry produced by the extractor.
// Severity is nil when the model reported nothing.
type Details struct {
	DisasterType string  `json:"disaster_type"`
	Location     string  `json:"location"`
	Date         string  `json:"date"`
	Severity     *string `json:"severity"`
	AlertLevel   string  `json:"alert_level"`
	Description  string  `json:"description"`
}

// SeverityString returns the severity or "" when absent.
func (d *Details) SeverityString() string {
	if d == nil || d.Severity == nil {
		return ""
	}
	return *d.Severity
}

// Member is an entry inside a group together with its extracted details.
type Member struct {
	Title     string  `json:"title"`
	Summary   string  `json:"summary"`
	Link      string  `json:"link"`
	Published string  `json:"published"`
	Source    string  `json:"source"`
	Details   Details `json:"details"`
}

// NewMember pairs an entry with its details.
func NewMember(e *RawEntry, d Details) Member {
	return Member{
		Title:     e.Title,
		Summary:   e.Summary,
		Link:      e.Link,
		Published: e.Published,
		Source:    e.Source,
		Details:   d,
	}
}

// Groups maps a grouping key to its members in arrival order.
type Groups map[string][]Member

// Keys returns the group keys sorted for deterministic rendering.
func (g Groups) Keys() []string {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Size returns the total number of members across all groups.
func (g Groups) Size() int {
	n := 0
	for _, m := range g {
		n += len(m)
	}
	return n
}

// Fallback synthesizes details for an entry the model could not describe.
// normalized is the entry's published date already passed through date
// normalization.
func Fallback(summary, normalized string) Details {
	return Details{
		DisasterType: UnknownType,
		Location:     UnknownLocation,
		Date:         normalized,
		Severity:     nil,
		AlertLevel:   "",
		Description:  Truncate(summary, fallbackDescriptionLen),
	}
}

// Truncate cuts s to limit runes and appends "..." when anything was cut.
func Truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
