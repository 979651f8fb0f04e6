// Package slack delivers digests to Slack, either through chat.postMessage
// with a bot token or through an incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftershock/internal/disaster"
	"github.com/linnemanlabs/aftershock/internal/retry"
)

const (
	httpTimeout    = 10 * time.Second
	defaultAPIBase = "https://slack.com/api"

	// SimplifiedText replaces a digest Slack rejected as malformed.
	SimplifiedText = "⚠️ *Disaster Alert System*: New alerts detected, but there was an error formatting the message."
)

// ErrNotConfigured is returned when neither a bot token and channel nor a
// webhook URL is set.
var ErrNotConfigured = errors.New("slack: no bot token/channel or webhook url configured")

// Config selects the delivery method. A bot token with a channel takes
// precedence over a webhook URL.
type Config struct {
	BotToken   string
	Channel    string
	WebhookURL string

	// APIBase overrides https://slack.com/api.
	APIBase string

	Retry  retry.Policy
	Client *http.Client
}

// Notifier posts Block Kit messages with retry and error classification.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger log.Logger
}

// New creates a Notifier.
func New(cfg Config, logger log.Logger) *Notifier {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Backoff == nil {
		cfg.Retry.Backoff = retry.Exponential(2)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Notifier{cfg: cfg, client: client, logger: logger}
}

// Configured reports whether a delivery method is set.
func (n *Notifier) Configured() bool {
	return n.useBot() || n.cfg.WebhookURL != ""
}

func (n *Notifier) useBot() bool {
	return n.cfg.BotToken != "" && n.cfg.Channel != ""
}

// Send posts blocks with text as the notification fallback. Rate limits
// wait for Slack's Retry-After; other transient failures back off
// exponentially. Invalid payloads, unknown channels and missing channel
// membership stop immediately. An invalid payload additionally posts
// SimplifiedText so the channel learns something arrived.
func (n *Notifier) Send(ctx context.Context, blocks []Block, text string) error {
	if !n.Configured() {
		return ErrNotConfigured
	}

	policy := n.cfg.Retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		n.logger.Warn(ctx, "slack send failed, retrying",
			"attempt", attempt+1,
			"error", err,
			"wait", wait.String(),
		)
	}

	_, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) (struct{}, error) {
		err := n.post(ctx, message{Blocks: blocks, Text: text})
		var rl *RateLimitedError
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.As(err, &rl):
			return struct{}{}, retry.After(rl.RetryAfter, err)
		case errors.Is(err, ErrInvalidPayload),
			errors.Is(err, ErrChannelNotFound),
			errors.Is(err, ErrNotInChannel):
			return struct{}{}, retry.Permanent(err)
		}
		return struct{}{}, err
	})

	if errors.Is(err, ErrInvalidPayload) {
		n.logger.Error(ctx, err, "slack rejected blocks, sending simplified message", "blocks", len(blocks))
		if serr := n.post(ctx, message{Text: SimplifiedText}); serr != nil {
			n.logger.Error(ctx, serr, "simplified slack message failed")
		}
	}
	if err != nil {
		return err
	}

	n.logger.Info(ctx, "slack message sent", "blocks", len(blocks))
	return nil
}

// Notice posts a single plain section, used for operator alerts such as a
// failed cycle. It is not retried. Long text is cut to fit the section.
func (n *Notifier) Notice(ctx context.Context, text string) error {
	if !n.Configured() {
		return ErrNotConfigured
	}
	text = disaster.Truncate(text, maxSummaryLen)
	return n.post(ctx, message{
		Blocks: []Block{{Type: "section", Text: &Text{Type: "mrkdwn", Text: text}}},
		Text:   text,
	})
}

type message struct {
	Channel string  `json:"channel,omitempty"`
	Blocks  []Block `json:"blocks,omitempty"`
	Text    string  `json:"text"`
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (n *Notifier) post(ctx context.Context, msg message) error {
	url := n.cfg.WebhookURL
	if n.useBot() {
		url = n.cfg.APIBase + "/chat.postMessage"
		msg.Channel = n.cfg.Channel
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if n.useBot() {
		req.Header.Set("Authorization", "Bearer "+n.cfg.BotToken)
	}

	resp, err := n.client.Do(req) //nolint:gosec // G704: url is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	if n.useBot() {
		var ar apiResponse
		if jerr := json.Unmarshal(respBody, &ar); jerr == nil && ar.OK {
			return nil
		} else if jerr == nil && ar.Error != "" {
			return classify(resp.StatusCode, ar.Error, retryAfter)
		}
		return classify(resp.StatusCode, http.StatusText(resp.StatusCode), retryAfter)
	}

	// incoming webhooks answer with a bare error code in the body
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	code := strings.TrimSpace(string(respBody))
	if code == "" {
		code = http.StatusText(resp.StatusCode)
	}
	return classify(resp.StatusCode, code, retryAfter)
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}
