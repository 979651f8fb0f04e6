package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftershock/internal/disaster"
	"github.com/linnemanlabs/aftershock/internal/ledger"
	"github.com/linnemanlabs/aftershock/internal/notify/slack"
	"github.com/linnemanlabs/aftershock/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aftershock/internal/pipeline")

// ErrCycleInProgress is returned by TryRunCycle and Start while another
// cycle holds the lock.
var ErrCycleInProgress = errors.New("pipeline: cycle already in progress")

// Operator notices posted when a cycle cannot deliver.
const (
	noticeSummaryFailed = "⚠️ *Alert:* Failed to obtain summary after multiple attempts."
	noticeCyclePanic    = "⚠️ *System Alert:* The disaster monitoring system encountered an error:\n```\n%s\n```"

	// maxPanicText caps the panic value quoted in the alert.
	maxPanicText = 1000
)

// recentRuns bounds the in-memory run history served by the API.
const recentRuns = 20

// Fetcher fetches and normalizes every configured source.
type Fetcher interface {
	Fetch(ctx context.Context, urls []string) []disaster.RawEntry
}

// Grouper filters, extracts and groups new entries.
type Grouper interface {
	Group(ctx context.Context, entries []disaster.RawEntry) disaster.Groups
}

// Digester turns groups into the digest text.
type Digester interface {
	Summarize(ctx context.Context, groups disaster.Groups) (string, error)
}

// Notifier delivers a formatted digest and operator notices.
type Notifier interface {
	Send(ctx context.Context, blocks []slack.Block, text string) error
	Notice(ctx context.Context, text string) error
}

// Hooks receives cycle events for metrics. Nil fields are skipped.
type Hooks struct {
	OnCycle  func(status Status, duration time.Duration)
	OnStage  func(stage string, entries int)
	OnNotify func(outcome string)
	OnLedger func(op string, err error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Sources   []string
	Ledger    ledger.Store
	Fetcher   Fetcher
	Grouper   Grouper
	Digester  Digester
	Notifier  Notifier
	Retention time.Duration
	Hooks     Hooks
	Now       func() time.Time
}

// Service serializes cycles and keeps a short history of their outcomes.
type Service struct {
	deps   Deps
	logger log.Logger

	cycle sync.Mutex

	mu   sync.RWMutex
	runs []Run
}

// NewService creates a Service. Zero Retention means ledger.DefaultRetention.
func NewService(deps Deps, logger log.Logger) *Service {
	if deps.Retention <= 0 {
		deps.Retention = ledger.DefaultRetention
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{deps: deps, logger: logger}
}

// RunCycle runs one cycle, waiting for any cycle in progress to finish
// first. The returned error mirrors Run.Error for failed cycles.
func (s *Service) RunCycle(ctx context.Context, trigger string) (Run, error) {
	s.cycle.Lock()
	defer s.cycle.Unlock()
	return s.run(ctx, s.begin(trigger))
}

// TryRunCycle runs one cycle now, or returns ErrCycleInProgress.
func (s *Service) TryRunCycle(ctx context.Context, trigger string) (Run, error) {
	if !s.cycle.TryLock() {
		return Run{}, ErrCycleInProgress
	}
	defer s.cycle.Unlock()
	return s.run(ctx, s.begin(trigger))
}

// Start launches a cycle in the background and returns its initial record.
// The cycle outlives ctx's cancellation.
func (s *Service) Start(ctx context.Context, trigger string) (Run, error) {
	if !s.cycle.TryLock() {
		return Run{}, ErrCycleInProgress
	}
	r := s.begin(trigger)

	go func() {
		defer s.cycle.Unlock()
		_, _ = s.run(context.WithoutCancel(ctx), r)
	}()

	return r, nil
}

// Get returns the recorded run with id.
func (s *Service) Get(id string) (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.runs {
		if r.ID == id {
			return r, true
		}
	}
	return Run{}, false
}

// Runs returns the recent runs, newest first.
func (s *Service) Runs() []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, len(s.runs))
	for i, r := range s.runs {
		out[len(s.runs)-1-i] = r
	}
	return out
}

func (s *Service) begin(trigger string) Run {
	r := Run{
		ID:        ulid.Make().String(),
		Trigger:   trigger,
		Status:    StatusRunning,
		StartedAt: s.deps.Now(),
	}
	s.record(r)
	return r
}

// record inserts or replaces r in the history.
func (s *Service) record(r Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == r.ID {
			s.runs[i] = r
			return
		}
	}
	s.runs = append(s.runs, r)
	if len(s.runs) > recentRuns {
		s.runs = s.runs[len(s.runs)-recentRuns:]
	}
}

func (s *Service) run(ctx context.Context, r Run) (out Run, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.cycle", trace.WithAttributes(
		attribute.String("run.id", r.ID),
		attribute.String("run.trigger", r.Trigger),
	))
	defer span.End()

	ctx = postgres.NewCycleDBStatsContext(ctx)
	L := s.logger.With("run_id", r.ID, "trigger", r.Trigger)
	ctx = log.WithContext(ctx, L)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pipeline: cycle panicked: %v", p)
			L.Error(ctx, err, "cycle panicked")
			s.notice(ctx, fmt.Sprintf(noticeCyclePanic, disaster.Truncate(fmt.Sprint(p), maxPanicText)))
			r.Status = StatusFailed
			r.Error = err.Error()
		}

		r.CompletedAt = s.deps.Now()
		r.Duration = r.CompletedAt.Sub(r.StartedAt).Seconds()
		s.record(r)

		span.SetAttributes(attribute.String("run.status", string(r.Status)))
		if r.Status == StatusFailed {
			span.SetStatus(codes.Error, r.Error)
		}
		if s.deps.Hooks.OnCycle != nil {
			s.deps.Hooks.OnCycle(r.Status, r.CompletedAt.Sub(r.StartedAt))
		}

		fields := []any{
			"status", r.Status,
			"duration", r.Duration,
			"fetched", r.Fetched,
			"new", r.New,
			"filtered", r.Filtered,
			"groups", r.Groups,
		}
		if st, ok := postgres.CycleDBStatsFromContext(ctx); ok && st.QueryCount > 0 {
			fields = append(fields, "db_queries", st.QueryCount, "db_errors", st.ErrorCount)
		}
		if r.Reason != "" {
			fields = append(fields, "reason", r.Reason)
		}
		L.Info(ctx, "cycle finished", fields...)
		out = r
	}()

	L.Info(ctx, "cycle started")
	err = s.cycleSteps(ctx, &r)
	if err != nil {
		r.Status = StatusFailed
		r.Error = err.Error()
	}
	return r, err
}

func (s *Service) cycleSteps(ctx context.Context, r *Run) error {
	L := log.FromContext(ctx)

	r.Pruned = s.prune(ctx)
	sent := s.load(ctx)

	entries := s.fetch(ctx)
	r.Fetched = len(entries)

	fresh := unsent(entries, sent)
	r.New = len(fresh)
	s.stage("new", r.New)
	if len(fresh) == 0 {
		r.Status, r.Reason = StatusSkipped, ReasonNoNewEntries
		return nil
	}

	groups := s.group(ctx, fresh)
	r.Groups = len(groups)
	r.Members = groups.Size()
	r.Filtered = r.New - r.Members
	s.stage("grouped", r.Members)
	if len(groups) == 0 {
		r.Status, r.Reason = StatusSkipped, ReasonAllFiltered
		return nil
	}

	summary, err := s.summarize(ctx, groups)
	if err != nil {
		L.Error(ctx, err, "summary failed, no digest sent")
		s.notice(ctx, noticeSummaryFailed)
		return fmt.Errorf("summarize: %w", err)
	}

	if err := s.notify(ctx, summary); err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	// The digest is out; a shutdown must not lose the record of it.
	s.save(context.WithoutCancel(ctx), fresh)
	r.Status = StatusComplete
	return nil
}

func (s *Service) prune(ctx context.Context) int64 {
	ctx, span := tracer.Start(ctx, "pipeline.prune")
	defer span.End()

	cutoff := ledger.Cutoff(s.deps.Now(), s.deps.Retention)
	n, err := s.deps.Ledger.Prune(ctx, cutoff)
	s.ledgerOp("prune", err)
	if err != nil {
		spanFail(span, err)
		log.FromContext(ctx).Error(ctx, err, "ledger prune failed")
		return 0
	}
	if n > 0 {
		log.FromContext(ctx).Info(ctx, "pruned ledger", "removed", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return n
}

// load degrades to an empty ledger on error; re-delivery beats no delivery.
func (s *Service) load(ctx context.Context) map[string]struct{} {
	ctx, span := tracer.Start(ctx, "pipeline.load")
	defer span.End()

	sent, err := s.deps.Ledger.Load(ctx)
	s.ledgerOp("load", err)
	if err != nil {
		spanFail(span, err)
		log.FromContext(ctx).Error(ctx, err, "ledger load failed, treating every entry as new")
		return map[string]struct{}{}
	}
	log.FromContext(ctx).Info(ctx, "loaded ledger", "links", len(sent))
	return sent
}

func (s *Service) fetch(ctx context.Context) []disaster.RawEntry {
	ctx, span := tracer.Start(ctx, "pipeline.fetch", trace.WithAttributes(
		attribute.Int("feed.sources", len(s.deps.Sources)),
	))
	defer span.End()

	entries := s.deps.Fetcher.Fetch(ctx, s.deps.Sources)
	span.SetAttributes(attribute.Int("feed.entries", len(entries)))
	s.stage("fetched", len(entries))
	return entries
}

func (s *Service) group(ctx context.Context, entries []disaster.RawEntry) disaster.Groups {
	ctx, span := tracer.Start(ctx, "pipeline.group", trace.WithAttributes(
		attribute.Int("entries", len(entries)),
	))
	defer span.End()

	groups := s.deps.Grouper.Group(ctx, entries)
	span.SetAttributes(attribute.Int("groups", len(groups)))
	return groups
}

func (s *Service) summarize(ctx context.Context, groups disaster.Groups) (string, error) {
	ctx, span := tracer.Start(ctx, "pipeline.summarize")
	defer span.End()

	summary, err := s.deps.Digester.Summarize(ctx, groups)
	if err != nil {
		spanFail(span, err)
		return "", err
	}
	span.SetAttributes(attribute.Int("summary.length", len(summary)))
	return summary, nil
}

func (s *Service) notify(ctx context.Context, summary string) error {
	ctx, span := tracer.Start(ctx, "pipeline.notify")
	defer span.End()

	blocks := slack.FormatBlocks(summary)
	err := s.deps.Notifier.Send(ctx, blocks, slack.FallbackText(blocks))
	if s.deps.Hooks.OnNotify != nil {
		s.deps.Hooks.OnNotify(slack.Outcome(err))
	}
	if err != nil {
		spanFail(span, err)
		log.FromContext(ctx).Error(ctx, err, "digest delivery failed", "blocks", len(blocks))
		return err
	}
	return nil
}

// save records every new link of the cycle, filtered ones included, once the
// digest is delivered.
func (s *Service) save(ctx context.Context, entries []disaster.RawEntry) {
	ctx, span := tracer.Start(ctx, "pipeline.save")
	defer span.End()

	links := make([]string, len(entries))
	for i := range entries {
		links[i] = entries[i].Link
	}
	err := s.deps.Ledger.Save(ctx, links)
	s.ledgerOp("save", err)
	if err != nil {
		spanFail(span, err)
		log.FromContext(ctx).Error(ctx, err, "ledger save failed, entries may be re-delivered", "links", len(links))
		return
	}
	log.FromContext(ctx).Info(ctx, "recorded sent links", "links", len(links))
}

func (s *Service) notice(ctx context.Context, text string) {
	if err := s.deps.Notifier.Notice(ctx, text); err != nil {
		log.FromContext(ctx).Error(ctx, err, "operator notice failed")
	}
}

func (s *Service) stage(name string, n int) {
	if s.deps.Hooks.OnStage != nil {
		s.deps.Hooks.OnStage(name, n)
	}
}

func (s *Service) ledgerOp(op string, err error) {
	if s.deps.Hooks.OnLedger != nil {
		s.deps.Hooks.OnLedger(op, err)
	}
}

// unsent keeps entries whose link is neither in sent nor seen earlier in
// the same cycle.
func unsent(entries []disaster.RawEntry, sent map[string]struct{}) []disaster.RawEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]disaster.RawEntry, 0, len(entries))
	for _, e := range entries {
		if _, ok := sent[e.Link]; ok {
			continue
		}
		if _, ok := seen[e.Link]; ok {
			continue
		}
		seen[e.Link] = struct{}{}
		out = append(out, e)
	}
	return out
}

func spanFail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
