package postgres

import (
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func pgxStart(sql string) pgx.TraceQueryStartData {
	return pgx.TraceQueryStartData{SQL: sql}
}

func pgxEnd(tag pgconn.CommandTag, err error) pgx.TraceQueryEndData {
	return pgx.TraceQueryEndData{CommandTag: tag, Err: err}
}
