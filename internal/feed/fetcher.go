// Package feed fetches disaster feeds and normalizes their items into
// entries.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/mmcdole/gofeed"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/aftershock/internal/disaster"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultHostInterval = 500 * time.Millisecond
	DefaultMaxFailures  = 3
	DefaultCooldown     = 5 * time.Minute

	maxBodyBytes = 10 << 20
	acceptHeader = "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5"
)

// Source fetch outcomes reported to Hooks.OnSource.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeBreakerOpen = "breaker_open"
)

// Config tunes a Fetcher. Zero values use the defaults above.
type Config struct {
	UserAgent string

	// Timeout bounds one HTTP fetch.
	Timeout time.Duration

	// HostInterval is the minimum spacing between requests to one host.
	HostInterval time.Duration

	// MaxFailures consecutive failures open a source's breaker for Cooldown.
	MaxFailures uint32
	Cooldown    time.Duration

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// Hooks receives fetch-stage events for metrics. Nil fields are skipped.
type Hooks struct {
	OnSource  func(sourceType, outcome string, entries int)
	OnDropped func(rule string)
}

// Fetcher downloads and parses feeds. It is safe for concurrent use.
type Fetcher struct {
	cfg    Config
	client *http.Client
	logger log.Logger
	hooks  Hooks

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg Config, logger log.Logger, hooks Hooks) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HostInterval < 0 {
		cfg.HostInterval = 0
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Fetcher{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		hooks:    hooks,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
}

// Fetch returns the entries of every reachable source in fetch order. Blank
// URLs are skipped with a warning and failing sources are logged and
// skipped.
func (f *Fetcher) Fetch(ctx context.Context, urls []string) []disaster.RawEntry {
	var out []disaster.RawEntry
	for _, u := range urls {
		if strings.TrimSpace(u) == "" {
			f.logger.Warn(ctx, "skipping empty feed url")
			continue
		}
		if ctx.Err() != nil {
			break
		}

		st := Classify(u)
		entries, err := f.fetchSource(ctx, u, st)
		if err != nil {
			outcome := OutcomeError
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				outcome = OutcomeBreakerOpen
			}
			f.logger.Error(ctx, err, "feed fetch failed", "url", u, "source_type", string(st), "outcome", outcome)
			f.reportSource(st, outcome, 0)
			continue
		}
		f.reportSource(st, OutcomeOK, len(entries))
		out = append(out, entries...)
	}

	f.logger.Info(ctx, "feeds fetched", "sources", len(urls), "entries", len(out))
	return out
}

func (f *Fetcher) fetchSource(ctx context.Context, feedURL string, st disaster.SourceType) ([]disaster.RawEntry, error) {
	L := f.logger.With("url", feedURL, "source_type", string(st))

	body, err := f.breaker(feedURL).Execute(func() ([]byte, error) {
		return f.download(ctx, feedURL)
	})
	if err != nil {
		return nil, err
	}

	filtered, res, err := Prefilter(st, body)
	switch {
	case err != nil:
		L.Warn(ctx, "pre-filter failed, parsing unfiltered document", "err", err.Error())
	case len(res.Removed) > 0:
		for _, title := range res.Removed {
			L.Info(ctx, "pre-filtered item", "title", title, "scanner", res.Scanner)
		}
		L.Info(ctx, "pre-filter removed items", "removed", len(res.Removed), "items", res.Items)
		for range res.Removed {
			f.reportDropped("prefilter")
		}
	}

	parsed, unfiltered, err := parseFeed(filtered, body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	if unfiltered {
		L.Warn(ctx, "filtered document did not parse, used unfiltered document")
	}

	label := strings.TrimSpace(parsed.Title)
	if label == "" {
		label = DefaultLabel(st)
	}

	entries := make([]disaster.RawEntry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		e, ok := toRawEntry(item, label, st)
		if !ok {
			L.Warn(ctx, "dropping feed item without link", "title", item.Title)
			continue
		}
		if rule, hit := fetchStageRule(&e); hit {
			L.Info(ctx, "filtered entry at fetch stage", "rule", rule, "title", e.Title)
			f.reportDropped(rule)
			continue
		}
		entries = append(entries, e)
	}

	L.Info(ctx, "feed fetched", "source", label, "items", len(parsed.Items), "entries", len(entries))
	return entries, nil
}

// parseFeed parses the pre-filtered document and falls back to the
// original body when filtering left something gofeed cannot read.
func parseFeed(filtered, original []byte) (*gofeed.Feed, bool, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(filtered))
	if err == nil || bytes.Equal(filtered, original) {
		return parsed, false, err
	}
	parsed, origErr := gofeed.NewParser().Parse(bytes.NewReader(original))
	if origErr != nil {
		return nil, false, err
	}
	return parsed, true, nil
}

func (f *Fetcher) download(ctx context.Context, feedURL string) ([]byte, error) {
	if err := f.limiter(feedURL).Wait(ctx); err != nil {
		return nil, fmt.Errorf("host pacing: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

func (f *Fetcher) limiter(feedURL string) *rate.Limiter {
	host := feedURL
	if u, err := url.Parse(feedURL); err == nil && u.Host != "" {
		host = u.Host
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		limit := rate.Inf
		if f.cfg.HostInterval > 0 {
			limit = rate.Every(f.cfg.HostInterval)
		}
		l = rate.NewLimiter(limit, 1)
		f.limiters[host] = l
	}
	return l
}

func (f *Fetcher) breaker(feedURL string) *gobreaker.CircuitBreaker[[]byte] {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[feedURL]
	if !ok {
		maxFailures := f.cfg.MaxFailures
		cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        feedURL,
			MaxRequests: 1,
			Timeout:     f.cfg.Cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				f.logger.Warn(context.Background(), "feed circuit breaker state change",
					"url", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
		f.breakers[feedURL] = cb
	}
	return cb
}

// BreakerState returns the breaker state for a source, or "closed" when the
// source has not been fetched yet.
func (f *Fetcher) BreakerState(feedURL string) string {
	f.mu.Lock()
	cb, ok := f.breakers[feedURL]
	f.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

func (f *Fetcher) reportSource(st disaster.SourceType, outcome string, n int) {
	if f.hooks.OnSource == nil {
		return
	}
	label := string(st)
	if label == "" {
		label = "unknown"
	}
	f.hooks.OnSource(label, outcome, n)
}

func (f *Fetcher) reportDropped(rule string) {
	if f.hooks.OnDropped != nil {
		f.hooks.OnDropped(rule)
	}
}
