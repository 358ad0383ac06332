package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres opens a PostgreSQL database connection using pgx.
// If maxConns is 0 it defaults to 25.
func OpenPostgres(dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open(PGX, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 5)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}
