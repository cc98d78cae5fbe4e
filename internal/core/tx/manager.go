// Package tx provides transaction management abstractions.
// Domain services depend on these interfaces, never on a concrete database,
// so ledger commands stay testable with in-memory implementations.
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
// Implementations handle BEGIN, COMMIT, ROLLBACK, and nested transaction
// support.
//
// Every ledger command runs inside exactly one RunInTransaction call:
// movement append, record update, outbox and audit writes either all commit
// or all roll back.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn succeeds, the transaction is committed.
	//
	// Nested calls reuse the existing transaction from context, so a
	// transfer execution can call stock commands without opening a second
	// transaction.
	//
	// Implementations retry fn on serialization failures; when retries are
	// exhausted the error is apperror.CodeConcurrencyConflict. fn must
	// therefore be safe to re-run from the top.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReadOnlyManager extends Manager with read-only transaction support.
// Use for queries that don't modify data (better performance, no locks).
type ReadOnlyManager interface {
	Manager

	// ReadOnly executes fn in a read-only transaction.
	// Attempts to modify data will fail.
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}
