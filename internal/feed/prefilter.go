package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/linnemanlabs/aftershock/internal/disaster"
)

// ErrEmptyDocument is returned by Prefilter for blank input.
var ErrEmptyDocument = errors.New("empty document")

// itemSpan locates one <item> or <entry> element in a document and carries
// the fields the excision rules look at.
type itemSpan struct {
	start, end int
	title      string
	link       string
	alertLevel string
}

// itemScanner finds item spans in a raw feed document.
type itemScanner interface {
	name() string
	scan(doc []byte) ([]itemSpan, error)
}

// scanners are tried in order until one succeeds.
var scanners = []itemScanner{xmlScanner{}, regexScanner{}}

// excisionRule reports whether an item should be cut before parsing. Sources
// without a rule are passed through untouched.
func excisionRule(st disaster.SourceType) func(itemSpan) bool {
	switch st {
	case disaster.SourceGDACS:
		return func(s itemSpan) bool {
			return strings.EqualFold(strings.TrimSpace(s.alertLevel), "green") ||
				strings.HasPrefix(strings.ToLower(strings.TrimSpace(s.title)), "green ")
		}
	case disaster.SourceSPC:
		return func(s itemSpan) bool {
			link := strings.ToLower(s.link)
			title := strings.ToLower(strings.TrimSpace(s.title))
			return strings.Contains(link, "/md/") || strings.Contains(link, "/outlook/") ||
				strings.HasPrefix(title, "spc md") || strings.Contains(title, "outlook")
		}
	default:
		return nil
	}
}

// PrefilterResult describes what Prefilter did.
type PrefilterResult struct {
	Scanner string
	Items   int
	Removed []string
}

// Prefilter cuts items matching the source's excision rule out of doc. On
// any failure the original document is returned together with the error.
func Prefilter(st disaster.SourceType, doc []byte) ([]byte, PrefilterResult, error) {
	var res PrefilterResult

	rule := excisionRule(st)
	if rule == nil {
		return doc, res, nil
	}
	if len(bytes.TrimSpace(doc)) == 0 {
		return doc, res, ErrEmptyDocument
	}

	var errs []error
	for _, s := range scanners {
		spans, err := s.scan(doc)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s scanner: %w", s.name(), err))
			continue
		}
		res.Scanner = s.name()
		res.Items = len(spans)

		var cut []itemSpan
		for _, sp := range spans {
			if rule(sp) {
				cut = append(cut, sp)
				res.Removed = append(res.Removed, strings.TrimSpace(sp.title))
			}
		}
		return excise(doc, cut), res, nil
	}
	return doc, res, errors.Join(errs...)
}

// excise returns doc without the given byte ranges.
func excise(doc []byte, spans []itemSpan) []byte {
	if len(spans) == 0 {
		return doc
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	out := make([]byte, 0, len(doc))
	pos := 0
	for _, sp := range spans {
		if sp.start < pos {
			continue
		}
		out = append(out, doc[pos:sp.start]...)
		pos = sp.end
	}
	return append(out, doc[pos:]...)
}

// xmlScanner is a strict token-level pass using encoding/xml.
type xmlScanner struct{}

func (xmlScanner) name() string { return "xml" }

func (xmlScanner) scan(doc []byte) ([]itemSpan, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	dec.Strict = true

	var (
		spans   []itemSpan
		cur     *itemSpan
		depth   int // depth inside the current item
		field   string
		text    strings.Builder
		sawRoot bool
	)

	for {
		off := int(dec.InputOffset())
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			sawRoot = true
			local := strings.ToLower(t.Name.Local)
			if cur == nil {
				if local == "item" || local == "entry" {
					cur = &itemSpan{start: off}
					depth = 0
				}
				continue
			}
			depth++
			if depth != 1 {
				continue
			}
			switch {
			case local == "title", local == "link", strings.HasSuffix(local, "alertlevel"):
				field = local
				text.Reset()
				if local == "link" {
					for _, a := range t.Attr {
						if a.Name.Local == "href" {
							cur.link = a.Value
						}
					}
				}
			}

		case xml.CharData:
			if field != "" {
				text.Write(t)
			}

		case xml.EndElement:
			if cur == nil {
				continue
			}
			if depth == 0 {
				cur.end = int(dec.InputOffset())
				spans = append(spans, *cur)
				cur = nil
				continue
			}
			if depth == 1 && field != "" {
				v := strings.TrimSpace(text.String())
				switch {
				case field == "title":
					cur.title = v
				case field == "link":
					if v != "" {
						cur.link = v
					}
				default:
					cur.alertLevel = v
				}
				field = ""
			}
			depth--
		}
	}

	if !sawRoot {
		return nil, errors.New("no elements")
	}
	if cur != nil {
		return nil, errors.New("unterminated item")
	}
	return spans, nil
}

// regexScanner tolerates documents the strict decoder rejects: bad
// entities, undeclared charsets, stray markup.
type regexScanner struct{}

var (
	itemRe       = regexp.MustCompile(`(?is)<item\b[^>]*>.*?</item\s*>|<entry\b[^>]*>.*?</entry\s*>`)
	titleRe      = regexp.MustCompile(`(?is)<title\b[^>]*>(.*?)</title\s*>`)
	linkTextRe   = regexp.MustCompile(`(?is)<link\b[^>]*>(.*?)</link\s*>`)
	linkHrefRe   = regexp.MustCompile(`(?is)<link\b[^>]*\bhref\s*=\s*["']([^"']*)["']`)
	alertLevelRe = regexp.MustCompile(`(?is)<(?:[\w.-]+:)?alertlevel\b[^>]*>(.*?)</`)
	cdataRe      = regexp.MustCompile(`(?s)^<!\[CDATA\[(.*)\]\]>$`)
)

func (regexScanner) name() string { return "regex" }

func (regexScanner) scan(doc []byte) ([]itemSpan, error) {
	locs := itemRe.FindAllIndex(doc, -1)
	if locs == nil && !bytes.Contains(doc, []byte("<")) {
		return nil, errors.New("not markup")
	}

	spans := make([]itemSpan, 0, len(locs))
	for _, loc := range locs {
		body := doc[loc[0]:loc[1]]
		sp := itemSpan{
			start:      loc[0],
			end:        loc[1],
			title:      submatch(titleRe, body),
			link:       submatch(linkTextRe, body),
			alertLevel: submatch(alertLevelRe, body),
		}
		if sp.link == "" {
			sp.link = submatch(linkHrefRe, body)
		}
		spans = append(spans, sp)
	}
	return spans, nil
}

func submatch(re *regexp.Regexp, b []byte) string {
	m := re.FindSubmatch(b)
	if m == nil {
		return ""
	}
	v := bytes.TrimSpace(m[1])
	if c := cdataRe.FindSubmatch(v); c != nil {
		v = bytes.TrimSpace(c[1])
	}
	return string(v)
}
