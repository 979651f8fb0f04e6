// Package pgstore provides a PostgreSQL implementation of ledger.Store.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/aftershock/internal/ledger"
	"github.com/linnemanlabs/aftershock/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aftershock/internal/ledger/pgstore")

//go:embed schema.sql
var schema string

// Store persists sent links in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New connects to PostgreSQL, applies the schema, and returns a ready Store.
func New(ctx context.Context, databaseURL string, opts ...ledger.Option) (*Store, error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO metadata (key, value) VALUES ('version', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, ledger.SchemaVersion); err != nil {
		pool.Close()
		return nil, fmt.Errorf("write schema version: %w", err)
	}

	return &Store{pool: pool, now: ledger.Apply(opts...).Now}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Version returns the schema version recorded in the metadata table.
func (s *Store) Version(ctx context.Context) (string, error) {
	var v string
	if err := s.pool.QueryRow(ctx, `SELECT value FROM metadata WHERE key = 'version'`).Scan(&v); err != nil {
		return "", fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Load returns every remembered link.
func (s *Store) Load(ctx context.Context) (map[string]struct{}, error) {
	ctx, span := startSpan(postgres.WithStage(ctx, "ledger_load"), "pgstore.Load", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT link FROM sent_entries`)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query links: %w", err))
	}
	links, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("collect links: %w", err))
	}

	out := make(map[string]struct{}, len(links))
	for _, l := range links {
		out[l] = struct{}{}
	}
	span.SetAttributes(attribute.Int("ledger.links", len(out)))
	return out, nil
}

// Save inserts links in one batch, leaving existing rows untouched.
func (s *Store) Save(ctx context.Context, links []string) error {
	links = ledger.Unique(links)
	if len(links) == 0 {
		return nil
	}

	ctx, span := startSpan(postgres.WithStage(ctx, "ledger_save"), "pgstore.Save", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.Int("ledger.links", len(links)))

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sent_entries (link, sent_at)
		 SELECT unnest($1::text[]), $2
		 ON CONFLICT (link) DO NOTHING`, links, s.now().UTC())
	if err != nil {
		return spanErr(span, fmt.Errorf("insert links: %w", err))
	}
	return nil
}

// Prune deletes links first sent before olderThan.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := startSpan(postgres.WithStage(ctx, "ledger_prune"), "pgstore.Prune", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM sent_entries WHERE sent_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, spanErr(span, fmt.Errorf("delete: %w", err))
	}
	n := tag.RowsAffected()
	span.SetAttributes(attribute.Int64("ledger.pruned", n))
	return n, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
