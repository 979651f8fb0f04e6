package feed

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/linnemanlabs/aftershock/internal/disaster"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want disaster.SourceType
	}{
		{"https://www.gdacs.org/xml/rss.xml", disaster.SourceGDACS},
		{"https://reliefweb.int/disasters/rss.xml", disaster.SourceReliefWeb},
		{"https://inciweb.WILDFIRE.gov/incidents/rss.xml", disaster.SourceInciWeb},
		{"https://www.spc.noaa.gov/products/spcrss.xml", disaster.SourceSPC},
		{"https://earthquake.usgs.gov/earthquakes/feed/v1.0/summary/4.5_day.atom", disaster.SourceUSGS},
		{"https://www.nhc.noaa.gov/index-at.xml", disaster.SourceNHC},
		{"https://example.com/feed.xml", disaster.SourceUnknown},
		{"", disaster.SourceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.url); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestDefaultLabel(t *testing.T) {
	t.Parallel()

	if got := DefaultLabel(disaster.SourceUSGS); got != "USGS Magnitude 4.5+ Earthquakes" {
		t.Errorf("DefaultLabel(usgs) = %q", got)
	}
	if got := DefaultLabel(disaster.SourceUnknown); got != UnknownSource {
		t.Errorf("DefaultLabel(unknown) = %q", got)
	}
}

func TestUserAgent(t *testing.T) {
	t.Parallel()

	ua := UserAgent("1.2.3", "ops@example.org", "https://example.org/aftershock")
	want := "Aftershock/1.2.3 (ops@example.org; https://example.org/aftershock) Go/"
	if !strings.HasPrefix(ua, want) {
		t.Errorf("UserAgent = %q, want prefix %q", ua, want)
	}
	if !strings.HasSuffix(ua, "Platform/"+runtime.GOOS) {
		t.Errorf("UserAgent = %q, want platform suffix", ua)
	}
}

func TestLoadSources(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "feeds.yaml")
	content := `feeds:
  - url: https://www.gdacs.org/xml/rss.xml
  - url: "  https://www.nhc.noaa.gov/index-at.xml  "
  - url: ""
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadSources(path)
	if err != nil {
		t.Fatalf("LoadSources: %v", err)
	}
	want := []string{"https://www.gdacs.org/xml/rss.xml", "https://www.nhc.noaa.gov/index-at.xml", ""}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadSources_Errors(t *testing.T) {
	t.Parallel()

	if _, err := LoadSources(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("feeds: [::"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSources(path); err == nil {
		t.Error("expected error for invalid yaml")
	}
}

func TestMergeSources(t *testing.T) {
	t.Parallel()

	got := MergeSources([]string{"a", "", "b"}, []string{"b", "c", ""})
	want := []string{"a", "", "b", "c", ""}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("MergeSources = %q, want %q", got, want)
	}
}
