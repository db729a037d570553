// Package retention implements the periodic cleanup pass that deletes
// terminal-state rows from the outbox and inbox tables so they don't grow
// without bound. It never deletes a row in an error state: FAILED rows stay
// until an operator resolves them.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaykit/relaykit/internal/common/metrics"
	"github.com/relaykit/relaykit/internal/inbox"
	"github.com/relaykit/relaykit/internal/outbox"
)

// Scope selects which table(s) a Cleanup pass purges.
type Scope string

const (
	ScopeOutbox Scope = "outbox"
	ScopeInbox  Scope = "inbox"
	ScopeBoth   Scope = "both"
)

// Cleanup deletes PUBLISHED outbox rows and PROCESSED inbox rows older than
// a configured age.
type Cleanup struct {
	outboxRepo outbox.Repository
	inboxRepo  inbox.Repository
	maxAge     time.Duration
}

// NewCleanup constructs a Cleanup. Either repo may be nil if the
// corresponding scope will never be requested.
func NewCleanup(outboxRepo outbox.Repository, inboxRepo inbox.Repository, maxAge time.Duration) *Cleanup {
	return &Cleanup{outboxRepo: outboxRepo, inboxRepo: inboxRepo, maxAge: maxAge}
}

// Run purges rows older than maxAge for the given scope and returns the
// total number of rows deleted.
func (c *Cleanup) Run(ctx context.Context, scope Scope) (int64, error) {
	cutoff := time.Now().Add(-c.maxAge)
	var total int64

	if scope == ScopeOutbox || scope == ScopeBoth {
		if c.outboxRepo == nil {
			return total, fmt.Errorf("retention: outbox scope requested but no outbox repository configured")
		}
		n, err := c.outboxRepo.DeletePublishedBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("delete published outbox rows: %w", err)
		}
		if n > 0 {
			metrics.RetentionDeleted.WithLabelValues("outbox").Add(float64(n))
			slog.Info("retention cleanup deleted outbox rows", "count", n, "cutoff", cutoff)
		}
		total += n
	}

	if scope == ScopeInbox || scope == ScopeBoth {
		if c.inboxRepo == nil {
			return total, fmt.Errorf("retention: inbox scope requested but no inbox repository configured")
		}
		n, err := c.inboxRepo.DeleteProcessedBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("delete processed inbox rows: %w", err)
		}
		if n > 0 {
			metrics.RetentionDeleted.WithLabelValues("inbox").Add(float64(n))
			slog.Info("retention cleanup deleted inbox rows", "count", n, "cutoff", cutoff)
		}
		total += n
	}

	return total, nil
}

// RunPeriodic runs Run on a ticker until ctx is cancelled, the conventional
// background-goroutine cleanup shape used across this codebase's services.
func (c *Cleanup) RunPeriodic(ctx context.Context, scope Scope, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention cleanup stopped")
			return
		case <-ticker.C:
			if _, err := c.Run(ctx, scope); err != nil {
				slog.Error("retention cleanup pass failed", "error", err)
			}
		}
	}
}
