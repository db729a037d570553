// Package dbtx provides the explicit transactional API the Producer (see
// internal/outbox/producer.go) is built on. Where the platform's original
// UnitOfWork wrapped MongoDB sessions, this is the SQL equivalent: a
// continuation is run inside a *sql.Tx, and the caller's business logic plus
// whatever it appends to the outbox either both commit or both roll back.
package dbtx

import (
	"context"
	"database/sql"
	"fmt"
)

type txKey struct{}

// WithTx opens a transaction on db, stores it on ctx, runs fn, and commits
// on success or rolls back on any error (including a panic, which is
// re-raised after rollback).
func WithTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Tx returns the *sql.Tx stashed on ctx by WithTx, or nil if ctx carries
// none — callers fall back to a plain *sql.DB connection in that case.
func Tx(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// Exec runs query against the transaction on ctx if present, otherwise
// against db directly.
func Exec(ctx context.Context, db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	if tx := Tx(ctx); tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

// QueryRow runs query against the transaction on ctx if present, otherwise
// against db directly.
func QueryRow(ctx context.Context, db *sql.DB, query string, args ...interface{}) *sql.Row {
	if tx := Tx(ctx); tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return db.QueryRowContext(ctx, query, args...)
}

// Query runs query against the transaction on ctx if present, otherwise
// against db directly.
func Query(ctx context.Context, db *sql.DB, query string, args ...interface{}) (*sql.Rows, error) {
	if tx := Tx(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return db.QueryContext(ctx, query, args...)
}
