package extract

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

// fakeProvider returns scripted responses in call order.
type fakeProvider struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     int
	requests  []*llm.Request
}

type fakeResponse struct {
	text string
	err  error
}

func (f *fakeProvider) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		return nil, fmt.Errorf("unexpected call %d", idx)
	}
	r := f.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{Text: r.text}, nil
}

func noWait(int) time.Duration { return 0 }

func entries(n int) []disaster.RawEntry {
	out := make([]disaster.RawEntry, n)
	for i := range out {
		out[i] = disaster.RawEntry{
			Title:      fmt.Sprintf("Entry %d", i),
			Summary:    strings.Repeat("s", 120),
			Link:       fmt.Sprintf("https://example.org/%d", i),
			Published:  "2024-05-01T00:00:00Z",
			SourceType: disaster.SourceReliefWeb,
		}
	}
	return out
}

func TestExtract_AllDescribed(t *testing.T) {
	t.Parallel()

	fp := &fakeProvider{responses: []fakeResponse{{text: `{"results":[
		{"id":"https://example.org/0","disaster_type":"Flood","location":"Kenya","date":"2024-05-01","severity":null,"alert_level":"","description":"d"},
		{"id":"https://example.org/1","disaster_type":"Storm","location":"Fiji","date":"2024-05-01","severity":"Cat 2","alert_level":"","description":"d"}
	]}`}}}

	var outcomes []string
	x := New(fp, Config{
		Model:     "extract-model",
		BatchSize: 10,
		Retry:     retry.Policy{MaxAttempts: 2, Backoff: noWait},
		OnBatch:   func(o string, _ int) { outcomes = append(outcomes, o) },
	}, log.Nop())

	got := x.Extract(context.Background(), entries(2))

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if d := got["https://example.org/1"]; d.SeverityString() != "Cat 2" {
		t.Errorf("severity = %q", d.SeverityString())
	}
	if fp.calls != 1 {
		t.Errorf("calls = %d, want 1", fp.calls)
	}
	req := fp.requests[0]
	if req.Model != "extract-model" || req.MaxTokens != ResponseTokens {
		t.Errorf("request = %+v", req)
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Errorf("temperature = %v, want 0", req.Temperature)
	}
	if len(outcomes) != 1 || outcomes[0] != OutcomeOK {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestExtract_MissingIDsGetFallback(t *testing.T) {
	t.Parallel()

	fp := &fakeProvider{responses: []fakeResponse{{text: `{"results":[
		{"id":"https://example.org/0","disaster_type":"Flood","location":"Kenya","date":"2024-05-01"},
		{"id":"https://example.org/unrequested","disaster_type":"Flood"}
	]}`}}}

	var outcomes []string
	x := New(fp, Config{
		Retry:   retry.Policy{MaxAttempts: 2, Backoff: noWait},
		OnBatch: func(o string, _ int) { outcomes = append(outcomes, o) },
	}, log.Nop())

	got := x.Extract(context.Background(), entries(3))

	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (every input id present)", len(got))
	}
	if _, ok := got["https://example.org/unrequested"]; ok {
		t.Error("unrequested id should not appear in output")
	}
	fb := got["https://example.org/2"]
	if fb.DisasterType != disaster.UnknownType || fb.Location != disaster.UnknownLocation {
		t.Errorf("fallback = %+v", fb)
	}
	if fb.Date != "2024-05-01" {
		t.Errorf("fallback date = %q, want normalized published", fb.Date)
	}
	if fb.Description != strings.Repeat("s", 100)+"..." {
		t.Errorf("fallback description = %q", fb.Description)
	}
	if len(outcomes) != 1 || outcomes[0] != OutcomePartial {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestExtract_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	fp := &fakeProvider{responses: []fakeResponse{
		{text: "not json at all"},
		{text: `[{"id":"https://example.org/0","disaster_type":"Fire"}]`},
	}}

	x := New(fp, Config{Retry: retry.Policy{MaxAttempts: 2, Backoff: noWait}}, log.Nop())
	got := x.Extract(context.Background(), entries(1))

	if fp.calls != 2 {
		t.Errorf("calls = %d, want 2", fp.calls)
	}
	if got["https://example.org/0"].DisasterType != "Fire" {
		t.Errorf("details = %+v", got["https://example.org/0"])
	}
}

func TestExtract_ExhaustedFallsBackForWholeBatch(t *testing.T) {
	t.Parallel()

	errAPI := errors.New("api down")
	fp := &fakeProvider{responses: []fakeResponse{{err: errAPI}, {err: errAPI}}}

	var outcomes []string
	x := New(fp, Config{
		Retry:   retry.Policy{MaxAttempts: 2, Backoff: noWait},
		OnBatch: func(o string, _ int) { outcomes = append(outcomes, o) },
	}, log.Nop())

	got := x.Extract(context.Background(), entries(4))

	if fp.calls != 2 {
		t.Errorf("calls = %d, want 2", fp.calls)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	for id, d := range got {
		if d.DisasterType != disaster.UnknownType {
			t.Errorf("%s: DisasterType = %q, want fallback", id, d.DisasterType)
		}
	}
	if len(outcomes) != 1 || outcomes[0] != OutcomeFallback {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestExtract_NonRetryableFallsBackAtOnce(t *testing.T) {
	t.Parallel()

	errAuth := errors.New("invalid x-api-key")
	fp := &fakeProvider{responses: []fakeResponse{{err: errAuth}, {text: `[]`}}}

	var outcomes []string
	x := New(fp, Config{
		Retry: retry.Policy{
			MaxAttempts: 3,
			Backoff:     noWait,
			Retryable:   func(err error) bool { return !errors.Is(err, errAuth) },
		},
		OnBatch: func(o string, _ int) { outcomes = append(outcomes, o) },
	}, log.Nop())

	got := x.Extract(context.Background(), entries(2))

	if fp.calls != 1 {
		t.Errorf("calls = %d, want 1", fp.calls)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if len(outcomes) != 1 || outcomes[0] != OutcomeFallback {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestExtract_Batches(t *testing.T) {
	t.Parallel()

	fp := &fakeProvider{responses: []fakeResponse{{text: `[]`}, {text: `[]`}, {text: `[]`}}}
	x := New(fp, Config{BatchSize: 2, Retry: retry.Policy{MaxAttempts: 1}}, log.Nop())

	got := x.Extract(context.Background(), entries(5))

	if fp.calls != 3 {
		t.Errorf("calls = %d, want 3 batches", fp.calls)
	}
	if len(got) != 5 {
		t.Errorf("len = %d, want 5", len(got))
	}
	if !strings.Contains(fp.requests[2].Prompt, "https://example.org/4") {
		t.Error("last batch should carry the fifth entry")
	}
}

func TestExtract_Empty(t *testing.T) {
	t.Parallel()

	fp := &fakeProvider{}
	x := New(fp, Config{}, log.Nop())
	if got := x.Extract(context.Background(), nil); len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
	if fp.calls != 0 {
		t.Errorf("calls = %d, want 0", fp.calls)
	}
}
