// Package store is the Postgres persistence layer for the membership
// register and the mailing job tables.
package store

import (
	"embed"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound    = errors.New("store: not found")
	ErrDuplicate   = errors.New("store: duplicate")
	ErrQueryFailed = errors.New("store: query failed")
)

// Migrations holds the embedded goose migration files.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Store wraps a pgx pool with typed queries.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store on the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}
