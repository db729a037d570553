package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaykit/relaykit/internal/common/dbtx"
)

// EventFields describes one outbox row to append; see Producer.Append.
type EventFields struct {
	Destination      string
	EventType        string
	Payload          []byte
	AggregateType    string
	AggregateID      string
	DestinationTopic string
	Headers          map[string]string
	MessageID        string
}

// Producer is the application-facing API for appending outbox rows. It is
// deliberately thin: atomicity comes from running inside the caller's
// transaction (see dbtx.WithTx), not from anything clever in here.
type Producer struct {
	repo Repository
	db   *sql.DB
}

// NewProducer constructs a Producer. db is only used by ExecuteAndAppend(Many)
// to open the surrounding transaction; Append alone works against whatever
// transaction ctx already carries.
func NewProducer(repo Repository, db *sql.DB) *Producer {
	return &Producer{repo: repo, db: db}
}

// Append inserts a PENDING row. It does not open a transaction: it runs in
// whatever transactional context ctx carries (see dbtx.WithTx), so callers
// compose it with their own business writes for atomicity.
func (p *Producer) Append(ctx context.Context, f EventFields) (*OutboxRow, error) {
	return p.repo.Insert(ctx, NewRow{
		MessageID:          f.MessageID,
		AggregateType:      f.AggregateType,
		AggregateID:        f.AggregateID,
		EventType:          f.EventType,
		DestinationService: f.Destination,
		DestinationTopic:   f.DestinationTopic,
		Payload:            f.Payload,
		Headers:            f.Headers,
	})
}

// ExecuteAndAppend opens a transaction, runs biz, appends one outbox row,
// and commits. If biz returns an error or the append fails, the whole unit
// rolls back and the caller observes the original error.
func ExecuteAndAppend[T any](ctx context.Context, p *Producer, fields EventFields, biz func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := dbtx.WithTx(ctx, p.db, func(txCtx context.Context) error {
		bizResult, err := biz(txCtx)
		if err != nil {
			return err
		}
		result = bizResult

		if _, err := p.Append(txCtx, fields); err != nil {
			return fmt.Errorf("append outbox row: %w", err)
		}
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// ExecuteAndAppendMany is ExecuteAndAppend for N appends under one
// transaction: any failure in biz or any append rolls back everything,
// including the business state.
func ExecuteAndAppendMany[T any](ctx context.Context, p *Producer, fieldsList []EventFields, biz func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := dbtx.WithTx(ctx, p.db, func(txCtx context.Context) error {
		bizResult, err := biz(txCtx)
		if err != nil {
			return err
		}
		result = bizResult

		for i, f := range fieldsList {
			if _, err := p.Append(txCtx, f); err != nil {
				return fmt.Errorf("append outbox row %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
