package feed

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/linnemanlabs/aftershock/internal/disaster"
)

const gdacsDoc = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:gdacs="http://www.gdacs.org">
<channel>
<title>GDACS RSS information</title>
<item>
  <title>Green earthquake alert (Magnitude 4.9M) in Peru</title>
  <link>https://www.gdacs.org/report.aspx?eventid=1</link>
  <gdacs:alertlevel>Green</gdacs:alertlevel>
</item>
<item>
  <title>Orange earthquake alert (Magnitude 6.8M) in Chile</title>
  <link>https://www.gdacs.org/report.aspx?eventid=2</link>
  <gdacs:alertlevel>Orange</gdacs:alertlevel>
</item>
<item>
  <title>Tropical cyclone FOO-24</title>
  <link>https://www.gdacs.org/report.aspx?eventid=3</link>
  <gdacs:alertlevel>green</gdacs:alertlevel>
</item>
</channel>
</rss>`

const spcDoc = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>SPC Forecast Products</title>
<item><title>SPC MD 1234</title><link>https://www.spc.noaa.gov/products/md/md1234.html</link></item>
<item><title>SPC Day 1 Convective Outlook</title><link>https://www.spc.noaa.gov/products/x.html</link></item>
<item><title>Tornado Watch 45</title><link>https://www.spc.noaa.gov/products/watch/ww0045.html</link></item>
</channel></rss>`

func TestPrefilter_GDACS(t *testing.T) {
	t.Parallel()

	out, res, err := Prefilter(disaster.SourceGDACS, []byte(gdacsDoc))
	if err != nil {
		t.Fatalf("Prefilter: %v", err)
	}
	if res.Scanner != "xml" {
		t.Errorf("scanner = %q, want xml", res.Scanner)
	}
	if res.Items != 3 || len(res.Removed) != 2 {
		t.Errorf("items = %d removed = %v", res.Items, res.Removed)
	}
	s := string(out)
	if strings.Contains(s, "eventid=1") || strings.Contains(s, "eventid=3") {
		t.Error("green items should be excised")
	}
	if !strings.Contains(s, "eventid=2") || !strings.Contains(s, "<title>GDACS RSS information</title>") {
		t.Error("non-green content should be preserved")
	}
}

func TestPrefilter_SPC(t *testing.T) {
	t.Parallel()

	out, res, err := Prefilter(disaster.SourceSPC, []byte(spcDoc))
	if err != nil {
		t.Fatalf("Prefilter: %v", err)
	}
	if len(res.Removed) != 2 {
		t.Errorf("removed = %v, want 2", res.Removed)
	}
	if !strings.Contains(string(out), "Tornado Watch 45") {
		t.Error("watch item should survive")
	}
	if strings.Contains(string(out), "SPC MD 1234") {
		t.Error("discussion should be excised")
	}
}

func TestPrefilter_FallsBackToRegex(t *testing.T) {
	t.Parallel()

	// &nbsp; is not a predefined XML entity, so the strict pass fails.
	doc := strings.Replace(gdacsDoc, "in Chile", "in&nbsp;Chile", 1)

	out, res, err := Prefilter(disaster.SourceGDACS, []byte(doc))
	if err != nil {
		t.Fatalf("Prefilter: %v", err)
	}
	if res.Scanner != "regex" {
		t.Errorf("scanner = %q, want regex", res.Scanner)
	}
	if len(res.Removed) != 2 {
		t.Errorf("removed = %v, want 2", res.Removed)
	}
	if !strings.Contains(string(out), "eventid=2") {
		t.Error("orange item should survive")
	}
}

func TestPrefilter_CDATAAndAtomLinks(t *testing.T) {
	t.Parallel()

	doc := `<feed xmlns="http://www.w3.org/2005/Atom">
<entry><title><![CDATA[SPC MD 7]]></title><link href="https://www.spc.noaa.gov/products/md/md0007.html"/></entry>
<entry><title>Severe Thunderstorm Watch 12</title><link href="https://www.spc.noaa.gov/products/watch/ww0012.html"/></entry>
</feed>`

	out, res, err := Prefilter(disaster.SourceSPC, []byte(doc))
	if err != nil {
		t.Fatalf("Prefilter: %v", err)
	}
	if len(res.Removed) != 1 || res.Removed[0] != "SPC MD 7" {
		t.Errorf("removed = %v", res.Removed)
	}
	if !strings.Contains(string(out), "ww0012") {
		t.Error("watch entry should survive")
	}
}

func TestPrefilter_PassThrough(t *testing.T) {
	t.Parallel()

	doc := []byte(gdacsDoc)
	out, _, err := Prefilter(disaster.SourceUSGS, doc)
	if err != nil {
		t.Fatalf("Prefilter: %v", err)
	}
	if !bytes.Equal(out, doc) {
		t.Error("sources without rules should be untouched")
	}
}

func TestPrefilter_EmptyDocument(t *testing.T) {
	t.Parallel()

	doc := []byte("   \n")
	out, _, err := Prefilter(disaster.SourceGDACS, doc)
	if !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("err = %v, want ErrEmptyDocument", err)
	}
	if !bytes.Equal(out, doc) {
		t.Error("original bytes should be returned on failure")
	}
}

func TestPrefilter_AllScannersFail(t *testing.T) {
	t.Parallel()

	doc := []byte("plain text, no markup")
	out, _, err := Prefilter(disaster.SourceGDACS, doc)
	if err == nil {
		t.Fatal("expected error")
	}
	if !bytes.Equal(out, doc) {
		t.Error("original bytes should be returned on failure")
	}
}

func FuzzPrefilter(f *testing.F) {
	f.Add([]byte(gdacsDoc))
	f.Add([]byte(spcDoc))
	f.Add([]byte("<item><title>green x</title></item>"))

	f.Fuzz(func(t *testing.T, doc []byte) {
		out, _, err := Prefilter(disaster.SourceGDACS, doc)
		if err != nil && !bytes.Equal(out, doc) {
			t.Fatal("document modified despite error")
		}
		if len(out) > len(doc) {
			t.Fatal("pre-filter grew the document")
		}
	})
}
