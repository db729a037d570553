package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaykit/relaykit/internal/common/metrics"
	"github.com/relaykit/relaykit/internal/common/ratelimit"
	"github.com/relaykit/relaykit/internal/common/repository"
)

// RelayConfig holds configuration for a Relay.
type RelayConfig struct {
	// MaxRetries bounds how many times a FAILED row is retried before it is
	// left alone for operator intervention. ClaimFailedBatch already filters
	// on this, but Relay carries it so callers configure it in one place.
	MaxRetries int

	// RecoveryThreshold is the visibility timeout: a PROCESSING row whose
	// ProcessesAt is older than this is assumed to belong to a dead worker
	// and is recovered back to PENDING.
	RecoveryThreshold time.Duration
}

// DefaultRelayConfig returns sensible defaults.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		MaxRetries:        5,
		RecoveryThreshold: 5 * time.Minute,
	}
}

// Relay is the Outbox Relay: it claims rows, hands each to a Transport, and
// records the outcome. The claim transaction never spans a transport call —
// ClaimBatch returns after a short claiming transaction commits, and the
// eventual MarkPublished/MarkFailed runs its own short statement afterward.
type Relay struct {
	repo      Repository
	transport Transport
	config    *RelayConfig
	limiter   *ratelimit.Limiter
}

// NewRelay constructs a Relay.
func NewRelay(repo Repository, transport Transport, config *RelayConfig) *Relay {
	if config == nil {
		config = DefaultRelayConfig()
	}
	return &Relay{repo: repo, transport: transport, config: config}
}

// WithRateLimit installs a per-destination_service token bucket. Each
// claimed row waits for a token for its destination before it is published;
// if the wait fails (ctx is cancelled or its deadline would pass first), the
// row is marked FAILED and counted as Failed.
func (r *Relay) WithRateLimit(limiter *ratelimit.Limiter) *Relay {
	r.limiter = limiter
	return r
}

// ProcessAll claims up to limit PENDING rows across all destinations and
// publishes them.
func (r *Relay) ProcessAll(ctx context.Context, limit int) (BatchStats, error) {
	return r.processClaimed(ctx,
		func(ctx context.Context) ([]int64, error) {
			return r.repo.PeekPendingIDs(ctx, "", limit)
		},
		func(ctx context.Context) ([]*OutboxRow, error) {
			return r.repo.ClaimBatch(ctx, "", limit)
		},
	)
}

// ProcessForDestination claims up to limit PENDING rows for a single
// destination_service and publishes them.
func (r *Relay) ProcessForDestination(ctx context.Context, destination string, limit int) (BatchStats, error) {
	return r.processClaimed(ctx,
		func(ctx context.Context) ([]int64, error) {
			return r.repo.PeekPendingIDs(ctx, destination, limit)
		},
		func(ctx context.Context) ([]*OutboxRow, error) {
			return r.repo.ClaimBatch(ctx, destination, limit)
		},
	)
}

// RetryFailed claims up to limit FAILED rows under the retry ceiling and
// republishes them, same claim-publish-record flow as ProcessAll.
func (r *Relay) RetryFailed(ctx context.Context, limit int) (BatchStats, error) {
	stats, err := r.processClaimed(ctx,
		func(ctx context.Context) ([]int64, error) {
			return r.repo.PeekFailedIDs(ctx, limit, r.config.MaxRetries)
		},
		func(ctx context.Context) ([]*OutboxRow, error) {
			return r.repo.ClaimFailedBatch(ctx, limit, r.config.MaxRetries)
		},
	)
	// Retried/Failed read more naturally than Processed/Failed for this pass.
	return BatchStats{Retried: stats.Processed, Failed: stats.Failed, Skipped: stats.Skipped}, err
}

// processClaimed runs the claim-then-publish-then-record cycle shared by all
// three entrypoints. peek reports the candidate set ClaimBatch/ClaimFailedBatch
// will compete over; any candidate id that doesn't come back claimed lost
// that race to another worker and is counted as Skipped (spec.md §8 S3),
// since a SKIP LOCKED select never surfaces an error for that case on its
// own — the row is simply absent from the claimed result.
func (r *Relay) processClaimed(ctx context.Context, peek func(ctx context.Context) ([]int64, error), claim func(ctx context.Context) ([]*OutboxRow, error)) (BatchStats, error) {
	start := time.Now()
	defer func() {
		metrics.OutboxPollDuration.Observe(time.Since(start).Seconds())
	}()

	candidateIDs, err := repository.Instrument(ctx, "outbox", "peek", func() ([]int64, error) {
		return peek(ctx)
	})
	if err != nil {
		return BatchStats{}, err
	}

	rows, err := repository.Instrument(ctx, "outbox", "claim", func() ([]*OutboxRow, error) {
		return claim(ctx)
	})
	if err != nil {
		return BatchStats{}, err
	}

	var stats BatchStats
	claimedIDs := make(map[int64]bool, len(rows))
	for _, row := range rows {
		claimedIDs[row.ID] = true
	}
	for _, id := range candidateIDs {
		if !claimedIDs[id] {
			stats.Skipped++
		}
	}
	if stats.Skipped > 0 {
		metrics.OutboxSkipped.Add(float64(stats.Skipped))
	}

	for _, row := range rows {
		metrics.OutboxClaimed.WithLabelValues(row.DestinationService).Inc()

		if err := r.publishOne(ctx, row); err != nil {
			stats.Failed++
			continue
		}
		stats.Processed++
	}
	return stats, nil
}

// publishOne publishes a single claimed row and records the outcome. The
// transport call itself holds no database transaction open.
func (r *Relay) publishOne(ctx context.Context, row *OutboxRow) error {
	err := r.waitForRateLimit(ctx, row)
	if err == nil {
		err = r.transport.Publish(ctx, row)
	}
	if err != nil {
		ok, markErr := repository.Instrument(ctx, "outbox", "mark_failed", func() (bool, error) {
			return r.repo.MarkFailed(ctx, row.ID, err.Error())
		})
		if markErr != nil {
			slog.Error("failed to record publish failure", "error", markErr, "outbox_id", row.ID)
		} else if !ok {
			slog.Warn("claim-miss marking row failed", "outbox_id", row.ID)
		}
		metrics.OutboxFailed.WithLabelValues(row.DestinationService).Inc()
		return err
	}

	ok, markErr := repository.Instrument(ctx, "outbox", "mark_published", func() (bool, error) {
		return r.repo.MarkPublished(ctx, row.ID)
	})
	if markErr != nil {
		slog.Error("failed to record publish success", "error", markErr, "outbox_id", row.ID)
		return markErr
	}
	if !ok {
		slog.Warn("claim-miss marking row published", "outbox_id", row.ID)
	}
	metrics.OutboxPublished.WithLabelValues(row.DestinationService).Inc()
	return nil
}

func (r *Relay) waitForRateLimit(ctx context.Context, row *OutboxRow) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx, row.DestinationService)
}

// RecoverStuck resets PROCESSING rows that have been claimed longer than the
// configured RecoveryThreshold back to PENDING. Intended to run on a timer
// separate from the main claim loop, or once at process startup.
func (r *Relay) RecoverStuck(ctx context.Context) (int, error) {
	n, err := r.repo.RecoverStuck(ctx, r.config.RecoveryThreshold)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.OutboxRecovered.Add(float64(n))
		slog.Info("recovered stuck outbox rows", "count", n)
	}
	return n, nil
}
