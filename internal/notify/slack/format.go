package slack

import (
	"regexp"
	"strings"

	"github.com/linnemanlabs/aftershock/internal/disaster"
)

const (
	maxSummaryLen  = 2500
	maxFallbackLen = 100

	headerText      = "🚨 Disaster Alerts"
	footerText      = "Disaster Alert Monitor"
	defaultFallback = "Disaster Alerts Summary"
)

// Block is one Slack Block Kit block. Only the shapes the digest uses are
// modelled.
type Block struct {
	Type     string  `json:"type"`
	Text     *Text   `json:"text,omitempty"`
	Elements []*Text `json:"elements,omitempty"`
}

// Text is a plain_text or mrkdwn text object.
type Text struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

var (
	headingRe  = regexp.MustCompile(`(?m)^[ \t]*###[ \t]+(.*)$`)
	boldRe     = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdLinkRe   = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdNumberRe = regexp.MustCompile(`(?i)MD \d+|Discussion`)
)

// headingEmoji is checked in order; the first match wins.
var headingEmoji = []struct {
	re    *regexp.Regexp
	emoji string
}{
	{regexp.MustCompile(`(?i)earthquake`), "🌍"},
	{regexp.MustCompile(`(?i)flood`), "🌊"},
	{regexp.MustCompile(`(?i)fire|wildfire`), "🔥"},
	{regexp.MustCompile(`(?i)hurricane|cyclone|typhoon`), "🌀"},
	{regexp.MustCompile(`(?i)tornado`), "🌪️"},
	{regexp.MustCompile(`(?i)storm|thunder|lightning`), "⛈️"},
	{regexp.MustCompile(`(?i)volcano|eruption`), "🌋"},
	{regexp.MustCompile(`(?i)snow|blizzard|winter`), "❄️"},
	{regexp.MustCompile(`(?i)drought|heat`), "☀️"},
	{mdNumberRe, "🌪️"},
	{regexp.MustCompile(`(?i)warning|advisory|watch`), "⚠️"},
}

// Emoji returns the icon for a digest heading.
func Emoji(heading string) string {
	for _, h := range headingEmoji {
		if h.re.MatchString(heading) {
			return h.emoji
		}
	}
	return "🌐"
}

// FormatBlocks renders a summary as a Block Kit message: a header, one
// section per "---" separated part with dividers between them, and a footer.
func FormatBlocks(summary string) []Block {
	summary = disaster.Truncate(summary, maxSummaryLen)

	summary = headingRe.ReplaceAllStringFunc(summary, func(line string) string {
		heading := strings.TrimSpace(headingRe.FindStringSubmatch(line)[1])
		return "*" + Emoji(heading) + " " + heading + "*"
	})
	summary = boldRe.ReplaceAllString(summary, "*$1*")
	summary = mdLinkRe.ReplaceAllString(summary, "<$2|$1>")

	blocks := []Block{{
		Type: "header",
		Text: &Text{Type: "plain_text", Text: headerText, Emoji: true},
	}}

	sections := strings.Split(summary, "---")
	for i, s := range sections {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		blocks = append(blocks, Block{Type: "section", Text: &Text{Type: "mrkdwn", Text: s}})
		if i < len(sections)-1 {
			blocks = append(blocks, Block{Type: "divider"})
		}
	}

	return append(blocks, Block{
		Type:     "context",
		Elements: []*Text{{Type: "mrkdwn", Text: footerText}},
	})
}

// FallbackText is the notification text shown by clients that cannot render
// blocks: the first line of the first section when it says more than the
// default.
func FallbackText(blocks []Block) string {
	for _, b := range blocks {
		if b.Type != "section" || b.Text == nil || b.Text.Type != "mrkdwn" {
			continue
		}
		first, _, _ := strings.Cut(b.Text.Text, "\n")
		if len([]rune(first)) > len(defaultFallback) {
			return disaster.Truncate(first, maxFallbackLen)
		}
		break
	}
	return defaultFallback
}
