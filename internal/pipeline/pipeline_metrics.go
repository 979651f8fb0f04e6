package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/aftershock/internal/feed"
	"github.com/linnemanlabs/aftershock/internal/group"
	"github.com/linnemanlabs/aftershock/internal/llm"
	"github.com/linnemanlabs/aftershock/internal/postgres"
)

// Metrics holds Prometheus metrics for the delivery pipeline.
type Metrics struct {
	CyclesTotal        *prometheus.CounterVec
	CycleDuration      *prometheus.HistogramVec
	StageEntries       *prometheus.HistogramVec
	SourcesTotal       *prometheus.CounterVec
	SourceEntries      *prometheus.CounterVec
	FilteredTotal      *prometheus.CounterVec
	ExtractBatches     *prometheus.CounterVec
	ExtractEntries     *prometheus.CounterVec
	LLMCallsTotal      *prometheus.CounterVec
	LLMTokensIn        *prometheus.CounterVec
	LLMTokensOut       *prometheus.CounterVec
	LLMDuration        *prometheus.HistogramVec
	NotificationsTotal *prometheus.CounterVec
	LedgerOpsTotal     *prometheus.CounterVec
	DBQueryDuration    *prometheus.HistogramVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftershock_cycles_total",
			Help: "Total pipeline cycles by final status.",
		}, []string{"status"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aftershock_cycle_duration_seconds",
			Help:    "Duration of pipeline cycles in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"status"}),
		StageEntries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aftershock_stage_entries",
			Help:    "Entries surviving each pipeline stage per cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}, []string{"stage"}),
		SourcesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftershock_feed_fetches_total",
			Help: "Feed source fetches by source type and outcome.",
		}, []string{"source_type", "outcome"}),
		SourceEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftershock_feed_entries_total",
			Help: "Entries normalized from feeds by source type.",
		}, []string{"source_type"}),
		FilteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftershock_entries_filtered_total",
			Help: "Entries dropped by stage and rule.",
		}, []string{"stage", "rule"}),
		ExtractBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftershock_extract_batches_total",
			Help: "Extraction batches by outcome.",
		}, []string{"outcome"}),
		ExtractEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftershock_extract_entries_total",
			Help: "Entries sent for extraction by batch outcome.",
		}, []string{"outcome"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftershock_llm_calls_total",
			Help: "Total LLM provider calls by model and outcome.",
		}, []string{"model", "outcome"}),
		LLMTokensIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftershock_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}, []string{"model"}),
		LLMTokensOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftershock_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}, []string{"model"}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aftershock_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}, []string{"model"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftershock_notifications_total",
			Help: "Digest deliveries by outcome.",
		}, []string{"outcome"}),
		LedgerOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftershock_ledger_ops_total",
			Help: "Ledger operations by op and outcome.",
		}, []string{"op", "outcome"}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aftershock_db_query_duration_seconds",
			Help:    "Duration of PostgreSQL queries in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}, []string{"stage", "operation", "outcome"}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.StageEntries,
		m.SourcesTotal,
		m.SourceEntries,
		m.FilteredTotal,
		m.ExtractBatches,
		m.ExtractEntries,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.NotificationsTotal,
		m.LedgerOpsTotal,
		m.DBQueryDuration,
	)

	return m
}

// Hooks returns service hooks that update the cycle metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnCycle: func(status Status, d time.Duration) {
			m.CyclesTotal.WithLabelValues(string(status)).Inc()
			m.CycleDuration.WithLabelValues(string(status)).Observe(d.Seconds())
		},
		OnStage: func(stage string, n int) {
			m.StageEntries.WithLabelValues(stage).Observe(float64(n))
		},
		OnNotify: func(outcome string) {
			m.NotificationsTotal.WithLabelValues(outcome).Inc()
		},
		OnLedger: func(op string, err error) {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			m.LedgerOpsTotal.WithLabelValues(op, outcome).Inc()
		},
	}
}

// FeedHooks returns fetcher hooks for per-source outcomes and fetch-stage
// drops.
func (m *Metrics) FeedHooks() feed.Hooks {
	return feed.Hooks{
		OnSource: func(sourceType, outcome string, n int) {
			m.SourcesTotal.WithLabelValues(sourceType, outcome).Inc()
			m.SourceEntries.WithLabelValues(sourceType).Add(float64(n))
		},
		OnDropped: func(rule string) {
			m.FilteredTotal.WithLabelValues("fetch", rule).Inc()
		},
	}
}

// GroupHooks returns grouper hooks counting filtered entries.
func (m *Metrics) GroupHooks() group.Hooks {
	return group.Hooks{
		OnFiltered: func(stage, rule string) {
			m.FilteredTotal.WithLabelValues(stage, rule).Inc()
		},
	}
}

// OnBatch counts extraction batches; pass it as extract.Config.OnBatch.
func (m *Metrics) OnBatch(outcome string, entries int) {
	m.ExtractBatches.WithLabelValues(outcome).Inc()
	m.ExtractEntries.WithLabelValues(outcome).Add(float64(entries))
}

// ObserveLLM returns an llm.ObserveFunc; classify labels errors.
func (m *Metrics) ObserveLLM(classify func(error) string) llm.ObserveFunc {
	return func(_ context.Context, req *llm.Request, resp *llm.Response, elapsed time.Duration, err error) {
		model := req.Model
		if resp != nil && resp.Model != "" {
			model = resp.Model
		}
		if model == "" {
			model = "default"
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if classify != nil {
				outcome = classify(err)
			}
		}
		m.LLMCallsTotal.WithLabelValues(model, outcome).Inc()
		m.LLMDuration.WithLabelValues(model).Observe(elapsed.Seconds())
		if resp != nil {
			m.LLMTokensIn.WithLabelValues(model).Add(float64(resp.Usage.InputTokens))
			m.LLMTokensOut.WithLabelValues(model).Add(float64(resp.Usage.OutputTokens))
		}
	}
}

// QueryObserver returns a postgres.QueryObserver feeding DBQueryDuration.
func (m *Metrics) QueryObserver() postgres.QueryObserver {
	return postgres.QueryObserverFunc(func(_ context.Context, stage, operation, outcome string, d time.Duration) {
		m.DBQueryDuration.WithLabelValues(stage, operation, outcome).Observe(d.Seconds())
	})
}
