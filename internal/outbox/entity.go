// Package outbox implements the transactional outbox pattern: application
// code appends rows inside its own transaction, and the Relay (see relay.go)
// claims and publishes them from a separate pool of workers.
//
// Architecture (multi-worker, row-lockable):
//  1. Workers claim a batch of PENDING rows via SELECT ... FOR UPDATE SKIP LOCKED,
//     transitioning each to PROCESSING inside the claim transaction.
//  2. The claim transaction commits before the row is handed to a Transport;
//     publish never happens with a DB transaction held open.
//  3. On success the row moves to PUBLISHED; on failure to FAILED with
//     retry_count incremented.
//  4. Crash recovery: rows stuck in PROCESSING past the visibility timeout
//     are reset to PENDING without incrementing retry_count.
package outbox

import "time"

// OutboxStatus represents the processing status of an outbox row.
type OutboxStatus string

const (
	StatusPending    OutboxStatus = "PENDING"
	StatusProcessing OutboxStatus = "PROCESSING"
	StatusPublished  OutboxStatus = "PUBLISHED"
	StatusFailed     OutboxStatus = "FAILED"
)

// IsTerminal returns true if this status never transitions on its own.
func (s OutboxStatus) IsTerminal() bool {
	return s == StatusPublished
}

// OutboxRow represents a single row in the outbox table.
type OutboxRow struct {
	// ID is the monotone local primary key, used for cleanup ordering.
	ID int64 `json:"id"`

	// MessageID is the externally visible, globally unique identifier.
	// UUID v7 so lexical order tracks creation time.
	MessageID string `json:"message_id"`

	// AggregateType/AggregateID correlate the row to the domain entity that
	// produced it. Used as a correlation key, not a locking key.
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`

	// EventType is the semantic name of the event.
	EventType string `json:"event_type"`

	// DestinationService is the logical target resolved by a Transport to an
	// endpoint.
	DestinationService string `json:"destination_service"`

	// DestinationTopic is an optional sub-path/topic override.
	DestinationTopic string `json:"destination_topic,omitempty"`

	// Payload is the opaque structured body, stored as JSON text.
	Payload []byte `json:"payload"`

	// Headers is an opaque string->string mapping, stored as JSON text.
	Headers map[string]string `json:"headers,omitempty"`

	Status     OutboxStatus `json:"status"`
	RetryCount int          `json:"retry_count"`
	LastError  string       `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ProcessesAt *time.Time `json:"processes_at,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// EffectiveTopic returns DestinationTopic or the default "events".
func (r *OutboxRow) EffectiveTopic() string {
	if r.DestinationTopic == "" {
		return "events"
	}
	return r.DestinationTopic
}

// NewRow describes the fields a caller supplies when appending an outbox row;
// ID, Status, RetryCount, and timestamps are assigned by the producer/store.
type NewRow struct {
	MessageID          string
	AggregateType      string
	AggregateID        string
	EventType          string
	DestinationService string
	DestinationTopic   string
	Payload            []byte
	Headers            map[string]string
}
