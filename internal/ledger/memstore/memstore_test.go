package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/linnemanlabs/aftershock/internal/ledger"
	"github.com/linnemanlabs/aftershock/internal/ledger/ledgertest"
)

func TestStore_Contract(t *testing.T) {
	t.Parallel()

	ledgertest.Run(t, func(_ *testing.T, clock *ledgertest.Clock) ledger.Store {
		return New(ledger.WithClock(clock.Now))
	})
}

func TestStore_LoadReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.Save(ctx, []string{"https://a"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, _ := s.Load(ctx)
	delete(got, "https://a")

	again, _ := s.Load(ctx)
	if len(again) != 1 {
		t.Error("mutating the loaded set should not affect the store")
	}
}

func TestStore_ConcurrentSave(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Save(ctx, []string{fmt.Sprintf("https://x/%d", i%10)})
		}(i)
	}
	wg.Wait()

	got, _ := s.Load(ctx)
	if len(got) != 10 {
		t.Errorf("Load = %d links, want 10", len(got))
	}
}
