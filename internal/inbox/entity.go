// Package inbox implements the Transactional Inbox pattern: idempotent
// admission of inbound messages and receiver-side dispatch to registered
// handlers, the mirror image of package outbox on the receiving end.
package inbox

import "time"

// InboxStatus is the lifecycle state of an InboxRow.
type InboxStatus string

const (
	StatusPending    InboxStatus = "PENDING"
	StatusProcessing InboxStatus = "PROCESSING"
	StatusProcessed  InboxStatus = "PROCESSED"
	StatusFailed     InboxStatus = "FAILED"
)

func (s InboxStatus) IsTerminal() bool { return s == StatusProcessed }

// InboxRow is a row of the inbox table: one per admitted inbound message.
// The UNIQUE constraint on MessageID, not an application-level pre-check, is
// what makes admission idempotent under concurrent delivery.
type InboxRow struct {
	ID            int64
	MessageID     string
	SourceService string
	EventType     string
	Payload       []byte
	Headers       map[string]string
	Status        InboxStatus
	RetryCount    int
	LastError     string
	ReceivedAt    time.Time
	ProcessesAt   *time.Time
	ProcessedAt   *time.Time
}

// NewRow is the input shape for Admit.
type NewRow struct {
	MessageID     string
	SourceService string
	EventType     string
	Payload       []byte
	Headers       map[string]string
}
