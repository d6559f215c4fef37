package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict means the conditional claim write matched zero rows:
	// another session won the instance first. Never surfaced to clients.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrStaleTransition means a status advance lost to a concurrent writer
	// (for example a bind racing a termination).
	ErrStaleTransition = errors.New("stale status transition")
)

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
