package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/linnemanlabs/aftershock/internal/disaster"
)

// maxSummaryRunes caps the summary text sent to the model per entry.
const maxSummaryRunes = 1000

// Item is the cleaned view of an entry that goes into an extraction prompt.
type Item struct {
	ID         string
	Title      string
	Summary    string
	Source     string
	SourceType disaster.SourceType
	Published  string
}

// Prepare strips HTML from the summary and keys the item by the entry link.
func Prepare(e *disaster.RawEntry) Item {
	summary := e.Summary
	if strings.Contains(summary, "<") {
		summary = htmlText(summary)
	}
	if r := []rune(summary); len(r) > maxSummaryRunes {
		summary = string(r[:maxSummaryRunes])
	}

	return Item{
		ID:         e.Link,
		Title:      e.Title,
		Summary:    summary,
		Source:     e.Source,
		SourceType: e.SourceType,
		Published:  e.Published,
	}
}

// htmlText returns the document's text nodes joined by single spaces. On a
// parse failure the input is returned as is.
func htmlText(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}

	var parts []string
	var walk func(*goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, c *goquery.Selection) {
			if goquery.NodeName(c) == "#text" {
				if t := strings.TrimSpace(c.Text()); t != "" {
					parts = append(parts, t)
				}
				return
			}
			walk(c)
		})
	}
	walk(doc.Selection)

	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}
