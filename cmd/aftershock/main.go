// Aftershock polls disaster feeds and posts an LLM-written digest of new
// events to Slack.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	ac "github.com/linnemanlabs/aftershock/internal/cfg"
	"github.com/linnemanlabs/aftershock/internal/extract"
	"github.com/linnemanlabs/aftershock/internal/feed"
	"github.com/linnemanlabs/aftershock/internal/group"
	"github.com/linnemanlabs/aftershock/internal/ledger"
	"github.com/linnemanlabs/aftershock/internal/ledger/memstore"
	"github.com/linnemanlabs/aftershock/internal/ledger/pgstore"
	"github.com/linnemanlabs/aftershock/internal/ledger/sqlitestore"
	"github.com/linnemanlabs/aftershock/internal/llm"
	"github.com/linnemanlabs/aftershock/internal/llm/claude"
	"github.com/linnemanlabs/aftershock/internal/notify/slack"
	"github.com/linnemanlabs/aftershock/internal/pipeline"
	"github.com/linnemanlabs/aftershock/internal/postgres"
	"github.com/linnemanlabs/aftershock/internal/retry"
	"github.com/linnemanlabs/aftershock/internal/runapi"
)

const appName = "aftershock"
const component = "monitor"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    ac.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	var envFile string
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading AFTERSHOCK_* variables (missing file is ignored)")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	// Fill in config values from environment variables with prefix AFTERSHOCK_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "AFTERSHOCK_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIToken != "" && appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	sources, err := loadSources(&appCfg)
	if err != nil {
		return err
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"sources", len(sources),
		"job_interval", appCfg.JobInterval().String(),
		"retention_days", appCfg.RetentionDays,
		"batch_size", appCfg.BatchSize,
		"extraction_model", appCfg.ExtractionModel,
		"summary_model", appCfg.SummaryModel,
		"once", appCfg.Once,
		"api_enabled", appCfg.APIToken != "",
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	pm := pipeline.NewMetrics(m.Registry())
	postgres.SetQueryObserver(pm.QueryObserver())

	store, backend, err := openLedger(ctx, &appCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			L.Error(context.Background(), err, "ledger close")
		}
	}()
	L.Info(ctx, "ledger opened", "backend", backend)

	provider := llm.Observe(
		claude.New(appCfg.ClaudeAPIKey, appCfg.ExtractionModel),
		pm.ObserveLLM(claude.Classify),
	)
	L.Info(ctx, "initialized LLM provider", "provider", "claude",
		"extraction_model", appCfg.ExtractionModel, "summary_model", appCfg.SummaryModel)

	extractor := extract.New(provider, extract.Config{
		Model:     appCfg.ExtractionModel,
		BatchSize: appCfg.BatchSize,
		Retry:     llmPolicy(appCfg.ExtractionRetries, appCfg.BackoffFactor),
		OnBatch:   pm.OnBatch,
	}, L)

	fetcher := feed.NewFetcher(feed.Config{
		UserAgent: feed.UserAgent(vi.Version, appCfg.ContactEmail, appCfg.WebsiteURL),
	}, L, pm.FeedHooks())

	notifier := slack.New(slack.Config{
		BotToken:   appCfg.SlackBotToken,
		Channel:    appCfg.SlackChannel,
		WebhookURL: appCfg.SlackWebhookURL,
		Retry:      policy(appCfg.NotifyRetries, appCfg.BackoffFactor),
	}, L)

	svc := pipeline.NewService(pipeline.Deps{
		Sources:   sources,
		Ledger:    store,
		Fetcher:   fetcher,
		Grouper:   group.New(extractor, L, pm.GroupHooks()),
		Digester:  pipeline.NewSummarizer(provider, appCfg.SummaryModel, llmPolicy(appCfg.SummaryRetries, appCfg.BackoffFactor), L),
		Notifier:  notifier,
		Retention: appCfg.Retention(),
		Hooks:     pm.Hooks(),
	}, L)

	if appCfg.Once {
		r, err := svc.RunCycle(ctx, pipeline.TriggerOnce)
		if err != nil {
			return fmt.Errorf("cycle %s: %w", r.ID, err)
		}
		L.Info(ctx, "single cycle finished", "run_id", r.ID, "status", string(r.Status))
		return nil
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// The run API is optional; without a token only the ops listener runs.
	apiHTTPStop := func(context.Context) error { return nil }
	if appCfg.APIToken != "" {
		r := chi.NewRouter()
		r.Use(middleware.Compress(5, "application/json"))

		// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
		r.Use(httpmw.AnnotateHTTPRoute)
		r.Use(httpmw.AccessLog())
		r.Use(httpmw.MaxBody(1024 * 16))

		r.Get("/-/healthy", health.HealthzHandler(liveness))
		r.Get("/-/ready", health.ReadyzHandler(readiness))

		runapi.New(L, svc, appCfg.APIToken).RegisterRoutes(r)

		// middleware stack, outermost sees the raw request first
		var h http.Handler = r
		h = httpmw.WithLogger(L)(h)
		h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
		h = otelhttp.NewHandler(h, "http.server",
			otelhttp.WithFilter(func(r *http.Request) bool {
				// dont trace health/readiness checks
				return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
			}),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
		h = m.Middleware(h)
		h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
			TrustedHops: httpmwCfg.TrustedProxyHops,
		})(h)
		h = httpmw.RequestID("X-Request-Id")(h)
		h = httpmw.Recover(L, nil)(h)
		h = httpmw.SecurityHeaders(h)

		apiOpts, err := httpCfg.ToOptions()
		if err != nil {
			L.Error(ctx, err, "invalid http config")
			return err
		}
		apiHTTPStop, err = httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
		if err != nil {
			L.Error(ctx, err, "failed to start run api http listener")
			return err
		}
		defer func() {
			if err := apiHTTPStop(context.Background()); err != nil {
				L.Error(ctx, err, "failed to stop run api http listener")
			}
		}()
	}

	// Scheduler stops when ctx is canceled; a running cycle is allowed to finish.
	schedDone := make(chan struct{})
	sched := pipeline.NewScheduler(svc, appCfg.JobInterval(), appCfg.RunOnStart, L)
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"scheduler", func(ctx context.Context) error {
			select {
			case <-schedDone:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("scheduler still running: %w", ctx.Err())
			}
		}},
		{"run api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// loadEnvFile exports variables from a dotenv file without overriding ones
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// loadSources merges -feed-urls with the optional feeds file.
func loadSources(c *ac.Config) ([]string, error) {
	sources := c.Feeds()
	if c.FeedsFile != "" {
		extra, err := feed.LoadSources(c.FeedsFile)
		if err != nil {
			return nil, err
		}
		sources = feed.MergeSources(sources, extra)
	}
	if len(sources) == 0 {
		return nil, errors.New("no feed sources configured")
	}
	return sources, nil
}

// openLedger picks postgres, then sqlite, then memory, and reports which.
func openLedger(ctx context.Context, c *ac.Config) (ledger.Store, string, error) {
	switch {
	case c.DatabaseURL != "":
		s, err := pgstore.New(ctx, c.DatabaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("pgstore init: %w", err)
		}
		return s, "postgres", nil
	case c.SQLitePath != "":
		s, err := sqlitestore.New(ctx, c.SQLitePath)
		if err != nil {
			return nil, "", fmt.Errorf("sqlitestore init: %w", err)
		}
		return s, "sqlite", nil
	default:
		return memstore.New(), "memory", nil
	}
}

func policy(attempts int, factor float64) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, Backoff: retry.Exponential(factor)}
}

// llmPolicy stops early on auth and request errors the API will keep rejecting.
func llmPolicy(attempts int, factor float64) retry.Policy {
	p := policy(attempts, factor)
	p.Retryable = claude.IsRetryable
	return p
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr is from NOTIFY_SOCKET set by systemd, no context support for unixgram dial
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
