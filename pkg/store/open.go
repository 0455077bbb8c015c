package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Open returns the repository for driver: "memory", "sqlite" or "postgres".
// The returned close function is a no-op for memory.
func Open(ctx context.Context, driver, dsn string) (Repository, func() error, error) {
	switch driver {
	case "", "memory":
		return NewMemoryRepository(), func() error { return nil }, nil
	case "sqlite", "postgres":
	default:
		return nil, nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	dialect := DialectPostgres
	if driver == "sqlite" {
		// Single connection keeps ":memory:" databases coherent and
		// serializes writers.
		db.SetMaxOpenConns(1)
		dialect = DialectSQLite
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}
	repo := NewSQLRepository(db, dialect)
	if err := repo.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return repo, db.Close, nil
}
