// Package ledger defines the record of entry links that have already been
// delivered. It is the only state carried between cycles.
package ledger

import (
	"context"
	"time"
)

// DefaultRetention is how long a delivered link is remembered.
const DefaultRetention = 30 * 24 * time.Hour

// SchemaVersion is written to the metadata table of persistent stores.
const SchemaVersion = "1.1.0"

// Store persists delivered links with their first-sent time.
type Store interface {
	// Load returns every remembered link.
	Load(ctx context.Context) (map[string]struct{}, error)

	// Save records links as sent now. Links already present keep their
	// original timestamp.
	Save(ctx context.Context, links []string) error

	// Prune forgets links first sent before olderThan and returns how many
	// were removed.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Options holds settings shared by Store implementations.
type Options struct {
	Now func() time.Time
}

// Option configures a Store.
type Option func(*Options)

// WithClock overrides the time source used for new records.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// Apply resolves opts over the defaults.
func Apply(opts ...Option) Options {
	o := Options{Now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Cutoff returns the prune threshold for a retention window ending at now.
func Cutoff(now time.Time, retention time.Duration) time.Time {
	return now.Add(-retention)
}

// Unique drops blank and repeated links, keeping first-seen order.
func Unique(links []string) []string {
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, l := range links {
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
