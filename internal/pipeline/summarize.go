package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aftershock/internal/disaster"
	"github.com/linnemanlabs/aftershock/internal/llm"
	"github.com/linnemanlabs/aftershock/internal/retry"
)

// SummaryTokens caps the digest the model may write.
const SummaryTokens = 4000

// ErrEmptySummary is returned when the model answers with only whitespace.
var ErrEmptySummary = errors.New("summary: model returned empty text")

const summarySystemPrompt = "You process disaster alert data and format it for concise, informative Slack messages. Focus on providing clear what/where/when information."

const summaryInstructions = `You are an assistant that processes disaster reports and formats them for a Slack workspace.
De-duplicate and aggregate by disaster type. For each disaster, provide a summary including key details and links.

IMPORTANT FORMAT REQUIREMENTS:
1. For each disaster group, print a line starting with '### ' followed by the group name.
2. Then provide a brief 1-2 sentence summary that includes:
   - What happened (disaster type)
   - Where it happened (specific location)
   - When it happened (date)
   - How severe it was (magnitude, category, etc. if available)
   - For GDACS alerts, include the alert level (Orange or Red)
3. Then, for each item in that group, print bullet lines that start with '- **Title:**' followed by the item title. Then new lines for:
   - **Published:**
   - **Source:**
   - **Link:**
4. Separate each group with a line that only contains three dashes: '---'.
5. Do NOT add extra headings or emojis outside of each group. End after listing all groups.

<Here is the grouped data...>
`

const noLinkURL = "https://example.com/no-link-available"

// SlackLink renders url as a Slack "More Info" link. Pipes would end the URL
// early, so they are percent-encoded.
func SlackLink(url string) string {
	if url == "" || url == "#" {
		url = noLinkURL
	}
	url = strings.ReplaceAll(url, "%7C", "%7c")
	url = strings.ReplaceAll(url, "|", "%7c")
	return "<" + url + "|More Info>"
}

// BuildSummaryPrompt embeds every group, its first member's details and a
// bullet per member into the digest instructions. Groups appear in key order.
func BuildSummaryPrompt(groups disaster.Groups) string {
	var b strings.Builder
	b.WriteString(summaryInstructions)

	for _, key := range groups.Keys() {
		members := groups[key]
		fmt.Fprintf(&b, "\n### %s\n", key)

		if len(members) > 0 {
			b.WriteString("Extracted details:\n")
			for _, kv := range detailFields(&members[0].Details) {
				if kv[1] != "" {
					fmt.Fprintf(&b, "- %s: %s\n", kv[0], kv[1])
				}
			}
			b.WriteString("\n")
		}

		for _, m := range members {
			fmt.Fprintf(&b, "- **Title:** %s\n  - **Published:** %s\n  - **Source:** %s\n  - **Link:** %s\n",
				orDefault(m.Title, "No Title"),
				orDefault(m.Published, "No Published Date"),
				orDefault(m.Source, "Unknown Source"),
				SlackLink(m.Link),
			)
		}
		b.WriteString("---\n")
	}
	b.WriteString("\nAggregated Summary:")
	return b.String()
}

func detailFields(d *disaster.Details) [][2]string {
	return [][2]string{
		{"disaster_type", d.DisasterType},
		{"location", d.Location},
		{"date", d.Date},
		{"severity", d.SeverityString()},
		{"alert_level", d.AlertLevel},
		{"description", d.Description},
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Summarizer asks the model for the human-readable digest.
type Summarizer struct {
	provider llm.Provider
	model    string
	policy   retry.Policy
	logger   log.Logger
}

// NewSummarizer creates a Summarizer. An empty model lets the provider pick.
func NewSummarizer(provider llm.Provider, model string, policy retry.Policy, logger log.Logger) *Summarizer {
	if policy.Backoff == nil {
		policy.Backoff = retry.Exponential(2)
	}
	return &Summarizer{provider: provider, model: model, policy: policy, logger: logger}
}

// Summarize returns the trimmed digest, or the last error once the retry
// policy is exhausted.
func (s *Summarizer) Summarize(ctx context.Context, groups disaster.Groups) (string, error) {
	prompt := BuildSummaryPrompt(groups)

	policy := s.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn(ctx, "summary attempt failed, retrying",
			"attempt", attempt+1,
			"wait", wait.String(),
			"err", err.Error(),
		)
	}

	return retry.Do(ctx, policy, func(ctx context.Context, _ int) (string, error) {
		resp, err := s.provider.Complete(ctx, &llm.Request{
			Model:     s.model,
			System:    summarySystemPrompt,
			Prompt:    prompt,
			MaxTokens: SummaryTokens,
		})
		if err != nil {
			return "", err
		}
		text := strings.TrimSpace(resp.Text)
		if text == "" {
			return "", ErrEmptySummary
		}
		return text, nil
	})
}
