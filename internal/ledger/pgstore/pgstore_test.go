package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/linnemanlabs/aftershock/internal/ledger"
	"github.com/linnemanlabs/aftershock/internal/ledger/ledgertest"
)

// openStore connects to AFTERSHOCK_TEST_DATABASE_URL and empties the ledger.
// Tests sharing the database must not run in parallel.
func openStore(t *testing.T, opts ...ledger.Option) *Store {
	t.Helper()
	dsn := os.Getenv("AFTERSHOCK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AFTERSHOCK_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn, opts...)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE sent_entries`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Contract(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, clock *ledgertest.Clock) ledger.Store {
		return openStore(t, ledger.WithClock(clock.Now))
	})
}

func TestStore_SchemaVersion(t *testing.T) {
	s := openStore(t)

	v, err := s.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != ledger.SchemaVersion {
		t.Errorf("version = %q, want %q", v, ledger.SchemaVersion)
	}
}

func TestStore_SaveSkipsDuplicatesInBatch(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, []string{"https://x", "https://x", ""}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Load = %v, want one link", got)
	}
}
