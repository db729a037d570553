package inbox

import (
	"context"

	"github.com/relaykit/relaykit/internal/common/metrics"
)

// Admitter is the Inbox Admitter: the entrypoint inbound message delivery
// calls to record a message before handing control back to the caller (an
// HTTP handler, a queue consumer). Admission is race-safe because it relies
// on the repository's UNIQUE constraint on message_id rather than a
// check-then-insert — two concurrent deliveries of the same message both
// call Insert, and exactly one of them gets admitted=true.
type Admitter struct {
	repo Repository
}

// NewAdmitter constructs an Admitter.
func NewAdmitter(repo Repository) *Admitter {
	return &Admitter{repo: repo}
}

// Admit records a new inbound message as PENDING. admitted is false when the
// message was already admitted by a prior delivery — the caller should treat
// this as success, not an error, since at-least-once delivery guarantees
// duplicates will arrive.
func (a *Admitter) Admit(ctx context.Context, row NewRow) (admitted bool, err error) {
	_, admitted, err = a.repo.Insert(ctx, row)
	if err != nil {
		return false, err
	}

	outcome := "duplicate"
	if admitted {
		outcome = "new"
	}
	metrics.InboxAdmitted.WithLabelValues(row.SourceService, outcome).Inc()
	return admitted, nil
}
