package disaster

import (
	"strings"
	"testing"
)

func TestFallback(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 150)
	d := Fallback(long, "2024-01-02")

	if d.DisasterType != UnknownType {
		t.Errorf("DisasterType = %q, want %q", d.DisasterType, UnknownType)
	}
	if d.Location != UnknownLocation {
		t.Errorf("Location = %q, want %q", d.Location, UnknownLocation)
	}
	if d.Date != "2024-01-02" {
		t.Errorf("Date = %q, want 2024-01-02", d.Date)
	}
	if d.Severity != nil {
		t.Errorf("Severity = %v, want nil", *d.Severity)
	}
	if d.AlertLevel != "" {
		t.Errorf("AlertLevel = %q, want empty", d.AlertLevel)
	}
	if d.Description != strings.Repeat("a", 100)+"..." {
		t.Errorf("Description = %q, want 100 chars plus ellipsis", d.Description)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer", 4, "this..."},
		{"", 3, ""},
		{"日本語テキスト", 3, "日本語..."},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := Truncate(tt.in, tt.limit); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
		})
	}
}

func TestGroups_KeysSorted(t *testing.T) {
	t.Parallel()

	g := Groups{
		"b": {{Link: "1"}},
		"a": {{Link: "2"}, {Link: "3"}},
		"c": nil,
	}

	keys := g.Keys()
	if strings.Join(keys, ",") != "a,b,c" {
		t.Errorf("Keys = %v, want [a b c]", keys)
	}
	if g.Size() != 3 {
		t.Errorf("Size = %d, want 3", g.Size())
	}
}

func TestSeverityString(t *testing.T) {
	t.Parallel()

	var nilDetails *Details
	if got := nilDetails.SeverityString(); got != "" {
		t.Errorf("nil details severity = %q, want empty", got)
	}

	sev := "6.5"
	d := &Details{Severity: &sev}
	if got := d.SeverityString(); got != "6.5" {
		t.Errorf("severity = %q, want 6.5", got)
	}
}
