package db

import (
	"context"
	"database/sql"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// OpenSQLite returns an in-memory store with all tables created. It holds a
// single connection, so transactions are serialized.
func OpenSQLite(ctx context.Context) (*DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(1)

	d := &DB{Bun: bun.NewDB(sqldb, sqlitedialect.New())}
	if err := d.CreateSchema(ctx); err != nil {
		_ = d.Bun.Close()
		return nil, err
	}
	return d, nil
}
