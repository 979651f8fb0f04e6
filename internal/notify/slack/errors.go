package slack

import (
	"errors"
	"fmt"
	"time"
)

// Errors Slack reports that retrying cannot fix.
var (
	ErrInvalidPayload  = errors.New("slack: invalid blocks")
	ErrChannelNotFound = errors.New("slack: channel not found")
	ErrNotInChannel    = errors.New("slack: bot is not in channel")
)

// defaultRetryAfter applies when a rate-limited response has no usable
// Retry-After header.
const defaultRetryAfter = 60 * time.Second

// RateLimitedError means Slack asked the caller to wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("slack: rate limited, retry after %s", e.RetryAfter)
}

// APIError is any other error code returned by Slack.
type APIError struct {
	Status int
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack: %s (http %d)", e.Code, e.Status)
}

// classify maps a Slack error code to a typed error.
func classify(status int, code string, retryAfter time.Duration) error {
	switch code {
	case "invalid_blocks", "invalid_blocks_format", "invalid_payload":
		return ErrInvalidPayload
	case "channel_not_found":
		return ErrChannelNotFound
	case "not_in_channel":
		return ErrNotInChannel
	case "rate_limited", "ratelimited":
		return &RateLimitedError{RetryAfter: retryAfter}
	}
	if status == 429 {
		return &RateLimitedError{RetryAfter: retryAfter}
	}
	return &APIError{Status: status, Code: code}
}

// Outcome labels a Send result for metrics.
func Outcome(err error) string {
	var rl *RateLimitedError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrChannelNotFound), errors.Is(err, ErrNotInChannel):
		return "channel"
	case errors.As(err, &rl):
		return "rate_limited"
	default:
		return "error"
	}
}
