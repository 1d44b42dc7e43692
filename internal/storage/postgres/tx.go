package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLSTATE codes the record store maps to domain errors.
const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
	codeInvalidText     = "22P02"
)

type txKey struct{}

// withTx runs fn in a transaction carried by the context. Nested calls join
// the outer transaction.
func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		// Rollback must run even when ctx is already cancelled.
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	return tx.Commit(ctx)
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool { return sqlState(err) == codeUniqueViolation }

// isCheckViolation also covers the status guard trigger, which raises
// check_violation.
func isCheckViolation(err error) bool { return sqlState(err) == codeCheckViolation }

func isInvalidUUID(err error) bool { return sqlState(err) == codeInvalidText }
