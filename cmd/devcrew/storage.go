package main

import (
	"fmt"

	"github.com/devcrew/devcrew/internal/artifact"
	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/credit"
	"github.com/devcrew/devcrew/internal/db"
	"github.com/devcrew/devcrew/internal/graph/checkpoint"
	"github.com/devcrew/devcrew/internal/persona"
	"github.com/devcrew/devcrew/internal/pool"
	"github.com/devcrew/devcrew/internal/projectctx"
	"github.com/devcrew/devcrew/internal/story"
)

// storage bundles every persistent store over one connection pool.
type storage struct {
	db          *db.Pool
	stories     story.Repository
	artifacts   artifact.Store
	pools       pool.Store
	personas    persona.Store
	credits     credit.Store
	contexts    projectctx.Store
	checkpoints checkpoint.Store
}

// openStorage opens the database and initializes every schema.
func openStorage(cfg config.DatabaseConfig) (*storage, error) {
	dbPool, err := db.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &storage{db: dbPool}

	if s.stories, err = story.NewSQLRepository(dbPool); err != nil {
		return nil, closeOnErr(dbPool, err)
	}
	if s.artifacts, err = artifact.NewSQLStore(dbPool); err != nil {
		return nil, closeOnErr(dbPool, err)
	}
	if s.pools, err = pool.NewSQLStore(dbPool); err != nil {
		return nil, closeOnErr(dbPool, err)
	}
	if s.personas, err = persona.NewSQLStore(dbPool); err != nil {
		return nil, closeOnErr(dbPool, err)
	}
	if s.credits, err = credit.NewSQLStore(dbPool); err != nil {
		return nil, closeOnErr(dbPool, err)
	}
	if s.contexts, err = projectctx.NewSQLStore(dbPool); err != nil {
		return nil, closeOnErr(dbPool, err)
	}
	if s.checkpoints, err = checkpoint.NewSQLStore(dbPool); err != nil {
		return nil, closeOnErr(dbPool, err)
	}

	return s, nil
}

func closeOnErr(pool *db.Pool, err error) error {
	_ = pool.Close()
	return err
}

// Close closes the shared connection pool. The individual stores hold
// no resources of their own.
func (s *storage) Close() error {
	return s.db.Close()
}
