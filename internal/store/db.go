// Package store implements the persistence contracts over Postgres. All
// multi-row writes run inside a single transaction with row-level locking on
// the rows being mutated; every operation returns a value or a tagged error.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/orchestrator/internal/errkind"
)

// DB is the subset of pgxpool.Pool the repositories need. Satisfied by
// *pgxpool.Pool and by pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// storeErr converts a raw store error into a tagged one. Already-tagged
// errors pass through unchanged.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *errkind.Error
	if errors.As(err, &tagged) {
		return err
	}
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return errkind.Wrap(errkind.NotFound, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errkind.Wrap(errkind.Canceled, op, err)
	case isUniqueViolation(err):
		return errkind.Wrap(errkind.AlreadyExists, op, err)
	}
	return errkind.Wrap(errkind.Persistence, op, err)
}

// inTx runs fn inside a transaction, rolling back on any error so no partial
// effects survive a failure.
func inTx(ctx context.Context, db DB, op string, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return storeErr(op, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr(op, err)
	}
	return nil
}
