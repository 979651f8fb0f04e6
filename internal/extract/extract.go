// Package extract turns feed entries into structured disaster details using
// an LLM, one request per batch of entries.
package extract

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftershock/internal/disaster"
	"github.com/linnemanlabs/aftershock/internal/llm"
	"github.com/linnemanlabs/aftershock/internal/retry"
)

const (
	// ResponseTokens caps the model output for one batch.
	ResponseTokens = 4000

	DefaultBatchSize = 10
)

// Batch outcomes reported to Config.OnBatch.
const (
	OutcomeOK       = "ok"
	OutcomePartial  = "partial"
	OutcomeFallback = "fallback"
)

// Config tunes an Extractor. Zero values fall back to sane defaults.
type Config struct {
	Model     string
	BatchSize int
	Retry     retry.Policy

	// OnBatch, when set, is called once per batch with its outcome.
	OnBatch func(outcome string, entries int)
}

// Extractor calls the model in fixed-size batches and never fails: entries
// the model does not describe get synthesized fallback details.
type Extractor struct {
	provider llm.Provider
	cfg      Config
	logger   log.Logger
}

// New creates an Extractor.
func New(provider llm.Provider, cfg Config, logger log.Logger) *Extractor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Retry.Backoff == nil {
		cfg.Retry.Backoff = retry.Exponential(2)
	}
	return &Extractor{provider: provider, cfg: cfg, logger: logger}
}

// Extract returns details for every entry, keyed by link.
func (x *Extractor) Extract(ctx context.Context, entries []disaster.RawEntry) map[string]disaster.Details {
	out := make(map[string]disaster.Details, len(entries))
	if len(entries) == 0 {
		return out
	}

	items := make([]Item, len(entries))
	for i := range entries {
		items[i] = Prepare(&entries[i])
	}

	for start := 0; start < len(items); start += x.cfg.BatchSize {
		end := min(start+x.cfg.BatchSize, len(items))
		for id, d := range x.extractBatch(ctx, start/x.cfg.BatchSize+1, items[start:end]) {
			out[id] = d
		}
	}
	return out
}

func (x *Extractor) extractBatch(ctx context.Context, n int, items []Item) map[string]disaster.Details {
	L := x.logger.With("batch", n, "entries", len(items))
	start := time.Now()

	prompt := BuildPrompt(items)
	policy := x.cfg.Retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		L.Warn(ctx, "extraction attempt failed, retrying",
			"attempt", attempt+1,
			"wait", wait.String(),
			"err", err.Error(),
		)
	}

	parsed, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) (map[string]disaster.Details, error) {
		resp, err := x.provider.Complete(ctx, &llm.Request{
			Model:       x.cfg.Model,
			System:      systemPrompt,
			Prompt:      prompt,
			MaxTokens:   ResponseTokens,
			Temperature: llm.Float(0),
		})
		if err != nil {
			return nil, err
		}
		return ParseResponse(resp.Text)
	})
	if err != nil {
		L.Error(ctx, err, "extraction failed, using fallback details for batch")
		x.report(OutcomeFallback, len(items))
		return fallbackAll(items)
	}

	out := make(map[string]disaster.Details, len(items))
	missing := 0
	for _, it := range items {
		if d, ok := parsed[it.ID]; ok {
			out[it.ID] = d
			continue
		}
		missing++
		out[it.ID] = fallback(it)
	}

	outcome := OutcomeOK
	if missing > 0 {
		outcome = OutcomePartial
		L.Warn(ctx, "model omitted entries, synthesized fallback details", "missing", missing)
	}
	x.report(outcome, len(items))

	L.Info(ctx, "batch extracted",
		"described", len(items)-missing,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out
}

func (x *Extractor) report(outcome string, n int) {
	if x.cfg.OnBatch != nil {
		x.cfg.OnBatch(outcome, n)
	}
}

func fallback(it Item) disaster.Details {
	return disaster.Fallback(it.Summary, NormalizeDate(it.Published))
}

func fallbackAll(items []Item) map[string]disaster.Details {
	out := make(map[string]disaster.Details, len(items))
	for _, it := range items {
		out[it.ID] = fallback(it)
	}
	return out
}
