// Package repository is the pgx store for C.A.R.E. state, history, audit
// events and per-tenant settings.
package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

const errRepoNotConfigured = "care repository not configured"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) ready() bool {
	return r != nil && r.pool != nil
}
