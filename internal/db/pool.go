// Package db opens and pools the relational store backing the control
// plane. SQLite is the embedded default; PostgreSQL is selected when a
// host is configured.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/devcrew/devcrew/internal/common/config"
)

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// AutoIncrementPK returns the DDL fragment for an auto-incrementing
// integer primary key in the given driver's dialect.
func AutoIncrementPK(driver string) string {
	if IsPostgres(driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while
// serializing writes through a single connection. For PostgreSQL, both
// Writer and Reader return the same *sqlx.DB since pgx handles
// connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Open builds a Pool from configuration.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	if cfg.Driver == "postgres" {
		pg, err := OpenPostgres(cfg.DSN(), cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(pg, PGX)
		return NewPool(shared, shared), nil
	}

	writer, err := OpenSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(cfg.Path)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open reader pool: %w", err)
	}
	return NewPool(sqlx.NewDb(writer, SQLite3), sqlx.NewDb(reader, SQLite3)), nil
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE,
// and transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
