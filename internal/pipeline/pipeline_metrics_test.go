package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/aftershock/internal/llm"
)

func TestMetrics_Hooks(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())

	h := m.Hooks()
	h.OnCycle(StatusComplete, 2*time.Second)
	h.OnCycle(StatusSkipped, time.Second)
	h.OnNotify("ok")
	h.OnLedger("load", errors.New("x"))
	h.OnStage("fetched", 12)

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("complete")); got != 1 {
		t.Errorf("complete cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("notifications ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LedgerOpsTotal.WithLabelValues("load", "error")); got != 1 {
		t.Errorf("ledger load errors = %v, want 1", got)
	}

	fh := m.FeedHooks()
	fh.OnSource("usgs", "ok", 7)
	fh.OnDropped("gdacs-green")
	if got := testutil.ToFloat64(m.SourceEntries.WithLabelValues("usgs")); got != 7 {
		t.Errorf("usgs entries = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.FilteredTotal.WithLabelValues("fetch", "gdacs-green")); got != 1 {
		t.Errorf("fetch drops = %v, want 1", got)
	}

	m.GroupHooks().OnFiltered("pre_extraction", "usgs-weak-magnitude")
	if got := testutil.ToFloat64(m.FilteredTotal.WithLabelValues("pre_extraction", "usgs-weak-magnitude")); got != 1 {
		t.Errorf("pre-extraction drops = %v, want 1", got)
	}

	m.OnBatch("partial", 10)
	if got := testutil.ToFloat64(m.ExtractEntries.WithLabelValues("partial")); got != 10 {
		t.Errorf("partial entries = %v, want 10", got)
	}

	m.QueryObserver().ObserveQuery(context.Background(), "ledger_load", "SELECT", "ok", time.Millisecond)
	if got := testutil.CollectAndCount(m.DBQueryDuration); got != 1 {
		t.Errorf("db query series = %d, want 1", got)
	}
}

func TestMetrics_ObserveLLM(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	observe := m.ObserveLLM(func(error) string { return "rate_limited" })

	ctx := context.Background()
	observe(ctx, &llm.Request{Model: "claude-x"}, &llm.Response{
		Model: "claude-x",
		Usage: llm.Usage{InputTokens: 100, OutputTokens: 40},
	}, time.Second, nil)
	observe(ctx, &llm.Request{}, nil, time.Second, errors.New("429"))

	if got := testutil.ToFloat64(m.LLMCallsTotal.WithLabelValues("claude-x", "ok")); got != 1 {
		t.Errorf("ok calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMCallsTotal.WithLabelValues("default", "rate_limited")); got != 1 {
		t.Errorf("rate limited calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensIn.WithLabelValues("claude-x")); got != 100 {
		t.Errorf("tokens in = %v, want 100", got)
	}
}
