// Package sqlitestore provides a SQLite implementation of ledger.Store.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/aftershock/internal/ledger"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aftershock/internal/ledger/sqlitestore")

//go:embed schema.sql
var schema string

// Store persists sent links in a single SQLite file. sent_at holds Unix
// nanoseconds.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New opens (creating if needed) the database at path and applies the
// schema.
func New(ctx context.Context, path string, opts ...ledger.Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; keeps pragmas on a single connection
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES ('version', ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, ledger.SchemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("write schema version: %w", err)
	}

	return &Store{db: db, now: ledger.Apply(opts...).Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Version returns the schema version recorded in the metadata table.
func (s *Store) Version(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'version'`).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Load returns every remembered link.
func (s *Store) Load(ctx context.Context) (map[string]struct{}, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Load", "SELECT")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `SELECT link FROM sent_entries`)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query links: %w", err))
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan link: %w", err))
		}
		out[link] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate links: %w", err))
	}
	span.SetAttributes(attribute.Int("ledger.links", len(out)))
	return out, nil
}

// Save inserts links in one transaction, ignoring ones already present.
func (s *Store) Save(ctx context.Context, links []string) error {
	links = ledger.Unique(links)
	if len(links) == 0 {
		return nil
	}

	ctx, span := startSpan(ctx, "sqlitestore.Save", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.Int("ledger.links", len(links)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO sent_entries (link, sent_at) VALUES (?, ?)`)
	if err != nil {
		return spanErr(span, fmt.Errorf("prepare insert: %w", err))
	}
	defer stmt.Close()

	now := s.now().UnixNano()
	for _, l := range links {
		if _, err := stmt.ExecContext(ctx, l, now); err != nil {
			return spanErr(span, fmt.Errorf("insert %q: %w", l, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Prune deletes links first sent before olderThan.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Prune", "DELETE")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sent_entries WHERE sent_at < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, spanErr(span, fmt.Errorf("delete: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, spanErr(span, fmt.Errorf("rows affected: %w", err))
	}
	span.SetAttributes(attribute.Int64("ledger.pruned", n))
	return n, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
