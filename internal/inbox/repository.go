package inbox

import (
	"context"
	"time"
)

// Repository defines the data access contract for the inbox table.
type Repository interface {
	// Insert attempts to admit a new row as PENDING. Returns (row, true, nil)
	// when the row is newly admitted, or (nil, false, nil) when MessageID
	// already exists — a UNIQUE constraint violation translated to a
	// duplicate signal rather than an error, since a duplicate delivery is
	// the expected common case, not a failure.
	Insert(ctx context.Context, row NewRow) (*InboxRow, bool, error)

	// WithTx runs fn inside a single transaction (a *sql.Tx for SQL
	// backends, a session for MongoDB), committing if fn returns nil and
	// rolling back otherwise. The Dispatcher uses this to run ClaimBatch,
	// the handler, and the outcome mark as one atomic unit per row, per
	// spec.md §4.5 — unlike the Outbox Relay, there is no external
	// transport call to keep out of the transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// ClaimBatch selects up to limit PENDING rows and transitions each to
	// PROCESSING, analogous to outbox.Repository.ClaimBatch.
	ClaimBatch(ctx context.Context, limit int) ([]*InboxRow, error)

	// ClaimFailedBatch is ClaimBatch's retry-pass counterpart for FAILED rows
	// under the retry ceiling.
	ClaimFailedBatch(ctx context.Context, limit int, maxRetries int) ([]*InboxRow, error)

	// MarkProcessed transitions a PROCESSING row to PROCESSED. Returns false
	// on claim-miss.
	MarkProcessed(ctx context.Context, id int64) (bool, error)

	// MarkFailed transitions a PROCESSING row to FAILED, incrementing
	// RetryCount and recording lastError. Returns false on claim-miss.
	MarkFailed(ctx context.Context, id int64, lastError string) (bool, error)

	// MarkNoHandler releases a PROCESSING row back to PENDING without
	// incrementing RetryCount, used when no handler is registered yet for
	// the row's event type.
	MarkNoHandler(ctx context.Context, id int64) (bool, error)

	// RecoverStuck resets PROCESSING rows whose ProcessesAt predates
	// olderThan back to PENDING. Returns rows recovered.
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error)

	// DeleteProcessedBefore deletes PROCESSED rows with ProcessedAt older
	// than cutoff. Never touches FAILED rows. Returns rows deleted.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CreateSchema creates the inbox table and its indexes/unique
	// constraint if absent.
	CreateSchema(ctx context.Context) error
}

// RepositoryConfig holds configuration for an inbox repository.
type RepositoryConfig struct {
	TableName string
}

// DefaultRepositoryConfig returns sensible defaults.
func DefaultRepositoryConfig() *RepositoryConfig {
	return &RepositoryConfig{TableName: "inbox_messages"}
}

// BatchStats mirrors outbox.BatchStats for the dispatcher's batch entrypoints.
type BatchStats struct {
	Processed int
	Failed    int
	NoHandler int
	Retried   int
}
