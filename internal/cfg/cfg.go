package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the service configuration. Every field is bound to a flag
// and filled from AFTERSHOCK_* environment variables at startup.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	FeedURLs  string
	FeedsFile string

	ClaudeAPIKey      string
	ExtractionModel   string
	SummaryModel      string
	BatchSize         int
	ExtractionRetries int
	SummaryRetries    int
	NotifyRetries     int
	BackoffFactor     float64

	JobIntervalMinutes int
	RetentionDays      int
	RunOnStart         bool
	Once               bool

	SlackBotToken   string
	SlackChannel    string
	SlackWebhookURL string

	DatabaseURL string
	SQLitePath  string

	ContactEmail string
	WebsiteURL   string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for the run API (empty = API disabled)")

	fs.StringVar(&c.FeedURLs, "feed-urls", "", "comma-separated feed URLs")
	fs.StringVar(&c.FeedsFile, "feeds-file", "", "YAML file listing feed URLs, merged after -feed-urls")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ExtractionModel, "extraction-model", "claude-3-5-haiku-latest", "model used for batch detail extraction")
	fs.StringVar(&c.SummaryModel, "summary-model", "claude-sonnet-4-20250514", "model used for the aggregated summary")
	fs.IntVar(&c.BatchSize, "batch-size", 10, "entries per extraction request (1..100)")
	fs.IntVar(&c.ExtractionRetries, "extraction-retries", 2, "attempts per extraction batch")
	fs.IntVar(&c.SummaryRetries, "summary-retries", 3, "attempts for the summary request")
	fs.IntVar(&c.NotifyRetries, "notify-retries", 3, "attempts per Slack message")
	fs.Float64Var(&c.BackoffFactor, "backoff-factor", 2, "exponential backoff base in seconds")

	fs.IntVar(&c.JobIntervalMinutes, "job-interval-minutes", 10, "minutes between pipeline cycles")
	fs.IntVar(&c.RetentionDays, "retention-days", 30, "days a sent link is remembered")
	fs.BoolVar(&c.RunOnStart, "run-on-start", true, "run one cycle immediately at startup")
	fs.BoolVar(&c.Once, "once", false, "run a single cycle and exit")

	fs.StringVar(&c.SlackBotToken, "slack-bot-token", "", "Slack bot token for chat.postMessage")
	fs.StringVar(&c.SlackChannel, "slack-channel", "", "Slack channel name or id for bot delivery")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack incoming webhook URL, used when no bot token is set")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the sent ledger")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite file for the sent ledger (used when -database-url is empty; empty = in-memory)")

	fs.StringVar(&c.ContactEmail, "contact-email", "team@ai4altruism.org", "contact address sent in the feed User-Agent")
	fs.StringVar(&c.WebsiteURL, "website-url", "https://ai4altruism.org/disastermonitor", "project URL sent in the feed User-Agent")
}

// Feeds returns the trimmed, non-empty entries of FeedURLs.
func (c *Config) Feeds() []string {
	var out []string
	for _, u := range strings.Split(c.FeedURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// JobInterval is JobIntervalMinutes as a duration.
func (c *Config) JobInterval() time.Duration {
	return time.Duration(c.JobIntervalMinutes) * time.Minute
}

// Retention is RetentionDays as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.FeedURLs == "" && c.FeedsFile == "" {
		errs = append(errs, errors.New("FEED_URLS or FEEDS_FILE is required"))
	}
	for _, u := range c.Feeds() {
		if p, err := url.Parse(u); err != nil || (p.Scheme != "http" && p.Scheme != "https") {
			errs = append(errs, fmt.Errorf("invalid feed URL %q (must be http or https)", u))
		}
	}

	// Claude API key is required for LLM access
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ExtractionModel == "" {
		errs = append(errs, errors.New("EXTRACTION_MODEL is required"))
	}
	if c.SummaryModel == "" {
		errs = append(errs, errors.New("SUMMARY_MODEL is required"))
	}

	if c.BatchSize <= 0 || c.BatchSize > 100 {
		errs = append(errs, fmt.Errorf("invalid BATCH_SIZE %d (must be 1..100)", c.BatchSize))
	}
	for _, r := range []struct {
		name string
		n    int
	}{
		{"EXTRACTION_RETRIES", c.ExtractionRetries},
		{"SUMMARY_RETRIES", c.SummaryRetries},
		{"NOTIFY_RETRIES", c.NotifyRetries},
	} {
		if r.n <= 0 || r.n > 10 {
			errs = append(errs, fmt.Errorf("invalid %s %d (must be 1..10)", r.name, r.n))
		}
	}
	if c.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("invalid BACKOFF_FACTOR %g (must be >= 1)", c.BackoffFactor))
	}

	if c.JobIntervalMinutes <= 0 {
		errs = append(errs, fmt.Errorf("invalid JOB_INTERVAL_MINUTES %d (must be > 0)", c.JobIntervalMinutes))
	}
	if c.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETENTION_DAYS %d (must be > 0)", c.RetentionDays))
	}

	// Bot delivery needs both halves; otherwise a webhook is required
	switch {
	case c.SlackBotToken != "" && c.SlackChannel == "":
		errs = append(errs, errors.New("SLACK_CHANNEL is required with SLACK_BOT_TOKEN"))
	case c.SlackBotToken == "" && c.SlackWebhookURL == "":
		errs = append(errs, errors.New("SLACK_BOT_TOKEN or SLACK_WEBHOOK_URL is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
