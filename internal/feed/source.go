package feed

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/aftershock/internal/disaster"
)

// classification is checked in order; the first substring hit wins.
var classification = []struct {
	substr string
	source disaster.SourceType
}{
	{"gdacs", disaster.SourceGDACS},
	{"reliefweb.int", disaster.SourceReliefWeb},
	{"wildfire.gov", disaster.SourceInciWeb},
	{"spc.noaa.gov", disaster.SourceSPC},
	{"usgs.gov", disaster.SourceUSGS},
	{"nhc.noaa.gov", disaster.SourceNHC},
}

var defaultLabels = map[disaster.SourceType]string{
	disaster.SourceGDACS:     "GDACS RSS information",
	disaster.SourceReliefWeb: "ReliefWeb - Disasters",
	disaster.SourceInciWeb:   "InciWeb",
	disaster.SourceSPC:       "SPC Forecast Products",
	disaster.SourceUSGS:      "USGS Magnitude 4.5+ Earthquakes",
	disaster.SourceNHC:       "National Hurricane Center",
}

// UnknownSource labels entries from feeds with no title and no known type.
const UnknownSource = "Unknown Source"

// Classify maps a feed URL to its source type.
func Classify(url string) disaster.SourceType {
	u := strings.ToLower(url)
	for _, c := range classification {
		if strings.Contains(u, c.substr) {
			return c.source
		}
	}
	return disaster.SourceUnknown
}

// DefaultLabel is the label used when a feed carries no title of its own.
func DefaultLabel(st disaster.SourceType) string {
	if l, ok := defaultLabels[st]; ok {
		return l
	}
	return UnknownSource
}

// UserAgent builds the client identity sent to feed publishers.
func UserAgent(version, contact, website string) string {
	return fmt.Sprintf("Aftershock/%s (%s; %s) Go/%s Platform/%s",
		version, contact, website,
		strings.TrimPrefix(runtime.Version(), "go"),
		runtime.GOOS,
	)
}

// sourcesFile is the on-disk layout of a feed list.
type sourcesFile struct {
	Feeds []struct {
		URL string `yaml:"url"`
	} `yaml:"feeds"`
}

// LoadSources reads feed URLs from a YAML file of the form
//
//	feeds:
//	  - url: https://www.gdacs.org/xml/rss.xml
//
// Blank entries are kept so the fetcher can report them.
func LoadSources(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feeds file: %w", err)
	}
	var f sourcesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse feeds file %s: %w", path, err)
	}
	urls := make([]string, 0, len(f.Feeds))
	for _, fd := range f.Feeds {
		urls = append(urls, strings.TrimSpace(fd.URL))
	}
	return urls, nil
}

// MergeSources appends extra to base, dropping exact duplicates while
// keeping first-seen order.
func MergeSources(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, u := range list {
			if u != "" {
				if _, dup := seen[u]; dup {
					continue
				}
				seen[u] = struct{}{}
			}
			out = append(out, u)
		}
	}
	return out
}
