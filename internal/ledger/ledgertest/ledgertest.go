// Package ledgertest runs the behavioral contract shared by every
// ledger.Store implementation.
package ledgertest

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/aftershock/internal/ledger"
)

// Clock is a settable time source for stores under test.
type Clock struct {
	T time.Time
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time { return c.T }

// Factory opens a fresh, empty store bound to clock.
type Factory func(t *testing.T, clock *Clock) ledger.Store

// Run exercises save, load, idempotence and prune semantics.
func Run(t *testing.T, open Factory) {
	t.Helper()

	t.Run("SaveThenLoad", func(t *testing.T) {
		s := open(t, &Clock{T: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)})
		ctx := context.Background()

		if err := s.Save(ctx, []string{"https://a", "https://b"}); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("Load = %v, want 2 links", got)
		}
		for _, l := range []string{"https://a", "https://b"} {
			if _, ok := got[l]; !ok {
				t.Errorf("missing %q", l)
			}
		}
	})

	t.Run("SaveIsIdempotent", func(t *testing.T) {
		s := open(t, &Clock{T: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)})
		ctx := context.Background()

		for range 2 {
			if err := s.Save(ctx, []string{"https://a", "https://a"}); err != nil {
				t.Fatalf("Save: %v", err)
			}
		}
		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("Load = %v, want 1 link", got)
		}
	})

	t.Run("SaveEmpty", func(t *testing.T) {
		s := open(t, &Clock{T: time.Now()})
		if err := s.Save(context.Background(), nil); err != nil {
			t.Fatalf("Save(nil): %v", err)
		}
	})

	t.Run("PruneCutoffs", func(t *testing.T) {
		sentAt := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		s := open(t, &Clock{T: sentAt})
		ctx := context.Background()

		if err := s.Save(ctx, []string{"https://a"}); err != nil {
			t.Fatalf("Save: %v", err)
		}

		n, err := s.Prune(ctx, sentAt.Add(-time.Hour))
		if err != nil {
			t.Fatalf("Prune(older): %v", err)
		}
		if n != 0 {
			t.Errorf("Prune(older) removed %d, want 0", n)
		}
		if got, _ := s.Load(ctx); len(got) != 1 {
			t.Fatalf("link should remain after prune with older cutoff")
		}

		n, err = s.Prune(ctx, sentAt.Add(time.Hour))
		if err != nil {
			t.Fatalf("Prune(newer): %v", err)
		}
		if n != 1 {
			t.Errorf("Prune(newer) removed %d, want 1", n)
		}
		if got, _ := s.Load(ctx); len(got) != 0 {
			t.Errorf("link should be gone after prune with newer cutoff, got %v", got)
		}
	})

	t.Run("ResaveKeepsFirstTimestamp", func(t *testing.T) {
		clock := &Clock{T: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
		s := open(t, clock)
		ctx := context.Background()

		if err := s.Save(ctx, []string{"https://a"}); err != nil {
			t.Fatalf("Save: %v", err)
		}
		clock.T = clock.T.Add(10 * 24 * time.Hour)
		if err := s.Save(ctx, []string{"https://a", "https://b"}); err != nil {
			t.Fatalf("Save: %v", err)
		}

		n, err := s.Prune(ctx, clock.T.Add(-time.Hour))
		if err != nil {
			t.Fatalf("Prune: %v", err)
		}
		if n != 1 {
			t.Errorf("Prune removed %d, want 1 (only the first-sent link)", n)
		}
		got, _ := s.Load(ctx)
		if _, ok := got["https://b"]; !ok || len(got) != 1 {
			t.Errorf("Load = %v, want only https://b", got)
		}
	})
}
