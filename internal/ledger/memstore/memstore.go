// Package memstore provides an in-memory implementation of ledger.Store.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/aftershock/internal/ledger"
)

// Store holds sent links in memory. Suitable for dev/testing.
type Store struct {
	mu   sync.RWMutex
	sent map[string]time.Time // link -> first sent
	now  func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New initializes a new in-memory Store.
func New(opts ...ledger.Option) *Store {
	o := ledger.Apply(opts...)
	return &Store{
		sent: make(map[string]time.Time),
		now:  o.Now,
	}
}

// Load returns a copy of the remembered links.
func (s *Store) Load(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.sent))
	for l := range s.sent {
		out[l] = struct{}{}
	}
	return out, nil
}

// Save records links not yet present.
func (s *Store) Save(_ context.Context, links []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, l := range ledger.Unique(links) {
		if _, ok := s.sent[l]; !ok {
			s.sent[l] = now
		}
	}
	return nil
}

// Prune removes links first sent before olderThan.
func (s *Store) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for l, at := range s.sent {
		if at.Before(olderThan) {
			delete(s.sent, l)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
