package feed

import (
	"regexp"
	"sort"
	"strings"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/linnemanlabs/aftershock/internal/disaster"
)

// toRawEntry converts a parsed feed item. It returns false when the item has
// no usable link.
func toRawEntry(item *gofeed.Item, label string, st disaster.SourceType) (disaster.RawEntry, bool) {
	link := strings.TrimSpace(item.Link)
	if link == "" && len(item.Links) > 0 {
		link = strings.TrimSpace(item.Links[0])
	}
	if link == "" {
		return disaster.RawEntry{}, false
	}

	summary := item.Description
	if summary == "" {
		summary = item.Content
	}
	published := item.Published
	if published == "" {
		published = item.Updated
	}

	exts := flattenExtensions(item.Extensions)

	var icon string
	if item.Image != nil {
		icon = item.Image.URL
	}
	if icon == "" {
		for k, v := range exts {
			if strings.HasSuffix(k, ":icon") {
				icon = v
				break
			}
		}
	}

	e := disaster.RawEntry{
		Title:      strings.TrimSpace(item.Title),
		Summary:    summary,
		Link:       link,
		Published:  published,
		Source:     label,
		SourceType: st,
		Extensions: exts,
		Icon:       icon,
	}
	e.Raw = renderRaw(&e)
	return e, true
}

// flattenExtensions maps namespaced elements to "prefix:name" keys using the
// first non-empty value.
func flattenExtensions(in ext.Extensions) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string)
	for prefix, elems := range in {
		for name, values := range elems {
			for _, v := range values {
				if val := strings.TrimSpace(v.Value); val != "" {
					out[prefix+":"+name] = val
					break
				}
			}
		}
	}
	return out
}

// renderRaw produces a stable textual form of the entry, namespaced elements
// included, for substring heuristics.
func renderRaw(e *disaster.RawEntry) string {
	var b strings.Builder
	writeElem(&b, "title", e.Title)
	writeElem(&b, "link", e.Link)
	writeElem(&b, "description", e.Summary)
	writeElem(&b, "pubDate", e.Published)

	keys := make([]string, 0, len(e.Extensions))
	for k := range e.Extensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeElem(&b, k, e.Extensions[k])
	}
	return b.String()
}

func writeElem(b *strings.Builder, name, value string) {
	b.WriteString("<")
	b.WriteString(name)
	b.WriteString(">")
	b.WriteString(value)
	b.WriteString("</")
	b.WriteString(name)
	b.WriteString(">")
}

var rawGreenRe = regexp.MustCompile(`(?i)alertlevel>\s*green`)

// fetchStageRule repeats the excision rules on parsed entries to catch
// anything the document-level pass missed.
func fetchStageRule(e *disaster.RawEntry) (string, bool) {
	title := strings.ToLower(e.Title)
	switch e.SourceType {
	case disaster.SourceGDACS:
		if strings.HasPrefix(title, "green ") || strings.Contains(title, "green alert") || rawGreenRe.MatchString(e.Raw) {
			return "gdacs-green", true
		}
	case disaster.SourceSPC:
		link := strings.ToLower(e.Link)
		if strings.Contains(link, "/md/") || strings.HasPrefix(title, "spc md") {
			return "spc-mesoscale-discussion", true
		}
		if strings.Contains(link, "/outlook/") || strings.Contains(title, "outlook") {
			return "spc-outlook", true
		}
	}
	return "", false
}
