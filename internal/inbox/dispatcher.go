package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaykit/relaykit/internal/common/metrics"
	"github.com/relaykit/relaykit/internal/common/repository"
)

// DispatcherConfig holds configuration for a Dispatcher.
type DispatcherConfig struct {
	// MaxRetries bounds how many times a FAILED row is retried via
	// RetryFailed before it is left for operator intervention.
	MaxRetries int

	// RecoveryThreshold is the visibility timeout for PROCESSING rows.
	RecoveryThreshold time.Duration
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		MaxRetries:        5,
		RecoveryThreshold: 5 * time.Minute,
	}
}

// Dispatcher is the Inbox Dispatcher: it claims one PENDING row at a time and
// hands it to the handler registered for its event type, running claim,
// handler invocation, and outcome mark inside a single transaction per row
// (see Repository.WithTx) — unlike the Outbox Relay, there is no external
// transport call to keep out of a transaction, so a crash between claim and
// mark is impossible: either both commit or neither does.
type Dispatcher struct {
	repo     Repository
	registry *Registry
	config   *DispatcherConfig
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(repo Repository, registry *Registry, config *DispatcherConfig) *Dispatcher {
	if config == nil {
		config = DefaultDispatcherConfig()
	}
	return &Dispatcher{repo: repo, registry: registry, config: config}
}

// ProcessAll claims up to limit PENDING rows, one transaction per row, and
// dispatches each to its registered handler.
func (d *Dispatcher) ProcessAll(ctx context.Context, limit int) (BatchStats, error) {
	start := time.Now()
	defer func() {
		metrics.InboxPollDuration.Observe(time.Since(start).Seconds())
	}()

	outcomes, err := d.processInTx(ctx, limit, func(ctx context.Context) ([]*InboxRow, error) {
		return d.repo.ClaimBatch(ctx, 1)
	})
	if err != nil {
		return BatchStats{}, err
	}

	var stats BatchStats
	for _, o := range outcomes {
		switch o {
		case outcomeProcessed:
			stats.Processed++
		case outcomeFailed:
			stats.Failed++
		case outcomeNoHandler:
			stats.NoHandler++
		}
	}
	return stats, nil
}

// RetryFailed claims up to limit FAILED rows under the retry ceiling, one
// transaction per row, and re-dispatches them.
func (d *Dispatcher) RetryFailed(ctx context.Context, limit int) (BatchStats, error) {
	outcomes, err := d.processInTx(ctx, limit, func(ctx context.Context) ([]*InboxRow, error) {
		return d.repo.ClaimFailedBatch(ctx, 1, d.config.MaxRetries)
	})
	if err != nil {
		return BatchStats{}, err
	}

	var stats BatchStats
	for _, o := range outcomes {
		switch o {
		case outcomeProcessed:
			stats.Retried++
		case outcomeFailed:
			stats.Failed++
		case outcomeNoHandler:
			stats.NoHandler++
		}
	}
	return stats, nil
}

// processInTx drives up to limit claim-handle-mark cycles, each inside its
// own Repository.WithTx call. claimOne is expected to return at most one row
// (callers pass limit 1 to ClaimBatch/ClaimFailedBatch); the loop stops
// early once a cycle finds nothing left to claim. An error from the claim
// query itself aborts the whole pass; an error rolling back a single row's
// transaction (e.g. the mark statement failing) is logged, counted as
// Failed, and the pass continues — the rollback already reverted that row's
// claim, so it's simply retried on a later pass rather than left stuck.
func (d *Dispatcher) processInTx(ctx context.Context, limit int, claimOne func(ctx context.Context) ([]*InboxRow, error)) ([]dispatchOutcome, error) {
	var outcomes []dispatchOutcome
	for i := 0; i < limit; i++ {
		var outcome dispatchOutcome
		claimed := false

		txErr := d.repo.WithTx(ctx, func(txCtx context.Context) error {
			rows, err := repository.Instrument(txCtx, "inbox", "claim", func() ([]*InboxRow, error) {
				return claimOne(txCtx)
			})
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return nil
			}
			claimed = true
			var dispatchErr error
			outcome, dispatchErr = d.dispatchOne(txCtx, rows[0])
			return dispatchErr
		})

		if !claimed {
			if txErr != nil {
				return outcomes, txErr
			}
			break
		}
		if txErr != nil {
			slog.Error("inbox claim-handle-mark transaction rolled back", "error", txErr)
			outcomes = append(outcomes, outcomeFailed)
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

type dispatchOutcome int

const (
	outcomeProcessed dispatchOutcome = iota
	outcomeFailed
	outcomeNoHandler
)

// dispatchOne invokes the handler registered for row's event type and marks
// the outcome. The returned error is non-nil only for an infrastructure
// failure recording the outcome (the mark statement itself erroring), which
// the caller treats as a signal to roll back the whole claim-handle-mark
// transaction rather than leave the row claimed with no recorded outcome.
func (d *Dispatcher) dispatchOne(ctx context.Context, row *InboxRow) (dispatchOutcome, error) {
	handler, ok := d.registry.Lookup(row.EventType)
	if !ok {
		if _, err := d.repo.MarkNoHandler(ctx, row.ID); err != nil {
			return outcomeNoHandler, fmt.Errorf("release no-handler row: %w", err)
		}
		metrics.InboxNoHandler.WithLabelValues(row.EventType).Inc()
		return outcomeNoHandler, nil
	}

	if err := handler(ctx, row); err != nil {
		ok, markErr := d.repo.MarkFailed(ctx, row.ID, err.Error())
		if markErr != nil {
			return outcomeFailed, fmt.Errorf("record handler failure: %w", markErr)
		}
		if !ok {
			slog.Warn("claim-miss marking row failed", "inbox_id", row.ID)
		}
		metrics.InboxFailed.WithLabelValues(row.EventType).Inc()
		return outcomeFailed, nil
	}

	ok, markErr := d.repo.MarkProcessed(ctx, row.ID)
	if markErr != nil {
		return outcomeProcessed, fmt.Errorf("record handler success: %w", markErr)
	}
	if !ok {
		slog.Warn("claim-miss marking row processed", "inbox_id", row.ID)
	}
	metrics.InboxProcessed.WithLabelValues(row.EventType).Inc()
	return outcomeProcessed, nil
}

// RecoverStuck resets PROCESSING rows claimed longer than RecoveryThreshold
// back to PENDING.
func (d *Dispatcher) RecoverStuck(ctx context.Context) (int, error) {
	n, err := d.repo.RecoverStuck(ctx, d.config.RecoveryThreshold)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("recovered stuck inbox rows", "count", n)
	}
	return n, nil
}
