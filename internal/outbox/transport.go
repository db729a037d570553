package outbox

import "context"

// ErrConfiguration marks a Transport failure as a configuration problem
// (unknown destination, missing URL mapping) rather than a transient
// network failure. The Relay records it like any other publish failure: the
// row is marked FAILED and RetryFailed picks it up again until the retry
// ceiling is reached.
type ErrConfiguration struct {
	Reason string
}

func (e *ErrConfiguration) Error() string { return e.Reason }

// Transport is the pluggable sink that ships one outbox row to its
// destination. Publication is synchronous from the Relay's perspective;
// implementations MUST return a non-nil error on failure — silent
// success-on-failure corrupts the claim state machine.
type Transport interface {
	// Publish delivers row. A *ErrConfiguration return marks a configuration
	// problem; the Relay handles it like any other failure (it increments
	// retry_count per §4.2, since that bookkeeping is uniform, but operators
	// should treat configuration errors as requiring a deploy fix, not a
	// retry).
	Publish(ctx context.Context, row *OutboxRow) error

	// Healthy reports whether the transport is currently able to accept
	// publishes, for use by health checks.
	Healthy(ctx context.Context) bool
}
