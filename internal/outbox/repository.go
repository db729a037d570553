package outbox

import (
	"context"
	"time"
)

// Repository defines the data access contract for the outbox table. Every
// backend must implement the claim protocol with a single UPDATE/SELECT
// statement pair so that concurrent workers never double-claim a row.
type Repository interface {
	// Insert appends a new PENDING row. Must run against whatever
	// transaction/connection ctx carries (see dbtx.Exec), never opening one
	// of its own; that is what gives the Producer its atomicity guarantee.
	Insert(ctx context.Context, row NewRow) (*OutboxRow, error)

	// ClaimBatch selects up to limit PENDING rows (optionally filtered by
	// destination) under FOR UPDATE SKIP LOCKED, transitions each to
	// PROCESSING with ProcessesAt=now, and returns the claimed rows. Rows
	// already claimed by another worker are simply absent from the result,
	// not an error.
	ClaimBatch(ctx context.Context, destination string, limit int) ([]*OutboxRow, error)

	// ClaimFailedBatch is ClaimBatch's retry-pass counterpart: it selects
	// FAILED rows under the retry ceiling, transitions FAILED->PROCESSING
	// in one step, analogous to the normal claim but starting from FAILED.
	ClaimFailedBatch(ctx context.Context, limit int, maxRetries int) ([]*OutboxRow, error)

	// PeekPendingIDs returns up to limit PENDING row ids (optionally filtered
	// by destination), in the same order and under the same limit as
	// ClaimBatch, but without acquiring any lock. The Relay diffs this
	// against what ClaimBatch actually claims to report claim-contention
	// losses as BatchStats.Skipped (spec.md §8 S3) — a losing worker's
	// SKIP LOCKED select never sees the rows another worker already holds,
	// so this snapshot is the only way to observe that a candidate existed
	// and wasn't claimed.
	PeekPendingIDs(ctx context.Context, destination string, limit int) ([]int64, error)

	// PeekFailedIDs is PeekPendingIDs's retry-pass counterpart, mirroring
	// ClaimFailedBatch's candidate set.
	PeekFailedIDs(ctx context.Context, limit int, maxRetries int) ([]int64, error)

	// MarkPublished transitions a PROCESSING row to PUBLISHED, setting
	// PublishedAt=now. Returns false if the row was not in PROCESSING
	// (claim-miss, §4.2) — a benign, expected outcome.
	MarkPublished(ctx context.Context, id int64) (bool, error)

	// MarkFailed transitions a PROCESSING row to FAILED, incrementing
	// RetryCount and setting LastError. Returns false on claim-miss.
	MarkFailed(ctx context.Context, id int64, lastError string) (bool, error)

	// RecoverStuck resets PROCESSING rows whose ProcessesAt is older than
	// olderThan back to PENDING without incrementing RetryCount. Returns the
	// number of rows recovered.
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error)

	// CountPending returns the number of PENDING rows, for metrics.
	CountPending(ctx context.Context) (int64, error)

	// DeletePublishedBefore deletes PUBLISHED rows with PublishedAt older
	// than the cutoff. Never touches FAILED rows. Returns rows deleted.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CreateSchema creates the outbox table and its indexes if absent.
	CreateSchema(ctx context.Context) error
}

// RepositoryConfig holds configuration for an outbox repository.
type RepositoryConfig struct {
	// TableName is the table/collection name.
	TableName string
}

// DefaultRepositoryConfig returns sensible defaults.
func DefaultRepositoryConfig() *RepositoryConfig {
	return &RepositoryConfig{
		TableName: "outbox_messages",
	}
}

// BatchStats is the result shape returned by the Relay's batch entrypoints.
type BatchStats struct {
	Processed int
	Failed    int
	Skipped   int
	Retried   int
}
