package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftershock/internal/disaster"
	"github.com/linnemanlabs/aftershock/internal/llm"
	"github.com/linnemanlabs/aftershock/internal/retry"
)

// scriptedProvider answers with texts/errors in call order.
type scriptedProvider struct {
	mu       sync.Mutex
	texts    []string
	errs     []error
	requests []*llm.Request
}

func (p *scriptedProvider) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := len(p.requests)
	p.requests = append(p.requests, req)
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	if idx < len(p.texts) {
		return &llm.Response{Text: p.texts[idx]}, nil
	}
	return nil, fmt.Errorf("unexpected call %d", idx)
}

func noWait(int) time.Duration { return 0 }

func sev(s string) *string { return &s }

func TestSlackLink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"https://x/y", "<https://x/y|More Info>"},
		{"https://x/a|b", "<https://x/a%7cb|More Info>"},
		{"https://x/a%7Cb", "<https://x/a%7cb|More Info>"},
		{"", "<https://example.com/no-link-available|More Info>"},
		{"#", "<https://example.com/no-link-available|More Info>"},
	}
	for _, tt := range tests {
		if got := SlackLink(tt.in); got != tt.want {
			t.Errorf("SlackLink(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildSummaryPrompt(t *testing.T) {
	t.Parallel()

	groups := disaster.Groups{
		"Flood in Kenya on 2024-05-01": {{
			Title:     "Floods hit Nairobi",
			Published: "2024-05-01",
			Source:    "ReliefWeb",
			Link:      "https://reliefweb.int/1",
			Details:   disaster.Details{DisasterType: "Flood", Location: "Kenya", Date: "2024-05-01"},
		}},
		"Earthquake (6.5) in Japan on 2024-01-01": {{
			Title:   "M 6.5 - Japan",
			Link:    "https://usgs/1",
			Details: disaster.Details{DisasterType: "Earthquake", Location: "Japan", Severity: sev("6.5")},
		}},
	}

	p := BuildSummaryPrompt(groups)

	if !strings.HasPrefix(p, summaryInstructions) {
		t.Error("prompt should open with the format instructions")
	}
	if !strings.HasSuffix(p, "\nAggregated Summary:") {
		t.Error("prompt should end with the summary cue")
	}
	quake := strings.Index(p, "### Earthquake (6.5) in Japan")
	flood := strings.Index(p, "### Flood in Kenya")
	if quake < 0 || flood < 0 || quake > flood {
		t.Errorf("groups missing or out of key order (quake=%d flood=%d)", quake, flood)
	}
	for _, want := range []string{
		"- disaster_type: Earthquake\n",
		"- severity: 6.5\n",
		"- **Title:** Floods hit Nairobi\n  - **Published:** 2024-05-01\n  - **Source:** ReliefWeb\n  - **Link:** <https://reliefweb.int/1|More Info>\n",
		"  - **Published:** No Published Date\n",
		"  - **Source:** Unknown Source\n",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(p, "- alert_level:") {
		t.Error("empty details should be omitted")
	}
	if strings.Count(p, "---\n") != 2 {
		t.Errorf("separators = %d, want 2", strings.Count(p, "---\n"))
	}
}

func TestSummarize_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{
		errs:  []error{errors.New("overloaded"), nil, nil},
		texts: []string{"", "   ", "  ### Flood\nbody  \n"},
	}
	s := NewSummarizer(p, "claude-summary", retry.Policy{MaxAttempts: 3, Backoff: noWait}, log.Nop())

	got, err := s.Summarize(context.Background(), disaster.Groups{"g": {{Title: "t"}}})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "### Flood\nbody" {
		t.Errorf("summary = %q", got)
	}
	if len(p.requests) != 3 {
		t.Fatalf("calls = %d, want 3", len(p.requests))
	}
	req := p.requests[0]
	if req.Model != "claude-summary" || req.System != summarySystemPrompt || req.MaxTokens != SummaryTokens {
		t.Errorf("request = %+v", req)
	}
}

func TestSummarize_Exhausted(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p := &scriptedProvider{errs: []error{boom, boom}}
	s := NewSummarizer(p, "", retry.Policy{MaxAttempts: 2, Backoff: noWait}, log.Nop())

	if _, err := s.Summarize(context.Background(), disaster.Groups{"g": nil}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(p.requests) != 2 {
		t.Errorf("calls = %d, want 2", len(p.requests))
	}
}

func TestSummarize_NonRetryableStops(t *testing.T) {
	t.Parallel()

	errAuth := errors.New("invalid x-api-key")
	p := &scriptedProvider{errs: []error{errAuth}, texts: []string{"", "unused"}}
	s := NewSummarizer(p, "", retry.Policy{
		MaxAttempts: 3,
		Backoff:     noWait,
		Retryable:   func(err error) bool { return !errors.Is(err, errAuth) },
	}, log.Nop())

	if _, err := s.Summarize(context.Background(), disaster.Groups{"g": nil}); !errors.Is(err, errAuth) {
		t.Fatalf("err = %v, want errAuth", err)
	}
	if len(p.requests) != 1 {
		t.Errorf("calls = %d, want 1", len(p.requests))
	}
}

func FuzzSlackLink(f *testing.F) {
	f.Add("https://example.org/a|b")
	f.Add("")
	f.Add("||%7C|")

	f.Fuzz(func(t *testing.T, url string) {
		got := SlackLink(url)
		inner := strings.TrimSuffix(strings.TrimPrefix(got, "<"), "|More Info>")
		if strings.Contains(inner, "|") {
			t.Fatalf("pipe survived in %q", got)
		}
	})
}
