// Package llm defines the completion boundary used by extraction and
// summarization.
package llm

import (
	"context"
	"time"
)

// Provider is the interface for any LLM backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Request is a single-turn completion: one system prompt, one user prompt.
// An empty Model lets the provider pick its default.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
}

// Response is the concatenated text the model produced.
type Response struct {
	Text       string
	Model      string
	StopReason string
	Usage      Usage
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Float returns a pointer to f for Request.Temperature.
func Float(f float64) *float64 { return &f }

// ObserveFunc receives the outcome of every completion made through Observe.
type ObserveFunc func(ctx context.Context, req *Request, resp *Response, elapsed time.Duration, err error)

// Observe wraps p so each call is reported to fn. A nil fn returns p.
func Observe(p Provider, fn ObserveFunc) Provider {
	if fn == nil {
		return p
	}
	return &observed{next: p, fn: fn}
}

type observed struct {
	next Provider
	fn   ObserveFunc
}

func (o *observed) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := o.next.Complete(ctx, req)
	o.fn(ctx, req, resp, time.Since(start), err)
	return resp, err
}
