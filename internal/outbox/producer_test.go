package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducerRepo struct {
	appended  []NewRow
	insertErr error
}

func (r *fakeProducerRepo) Insert(ctx context.Context, row NewRow) (*OutboxRow, error) {
	if r.insertErr != nil {
		return nil, r.insertErr
	}
	r.appended = append(r.appended, row)
	return &OutboxRow{MessageID: row.MessageID, Status: StatusPending}, nil
}

func (r *fakeProducerRepo) ClaimBatch(ctx context.Context, destination string, limit int) ([]*OutboxRow, error) {
	return nil, nil
}
func (r *fakeProducerRepo) ClaimFailedBatch(ctx context.Context, limit int, maxRetries int) ([]*OutboxRow, error) {
	return nil, nil
}
func (r *fakeProducerRepo) PeekPendingIDs(ctx context.Context, destination string, limit int) ([]int64, error) {
	return nil, nil
}
func (r *fakeProducerRepo) PeekFailedIDs(ctx context.Context, limit int, maxRetries int) ([]int64, error) {
	return nil, nil
}
func (r *fakeProducerRepo) MarkPublished(ctx context.Context, id int64) (bool, error) { return true, nil }
func (r *fakeProducerRepo) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	return true, nil
}
func (r *fakeProducerRepo) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}
func (r *fakeProducerRepo) CountPending(ctx context.Context) (int64, error) { return 0, nil }
func (r *fakeProducerRepo) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (r *fakeProducerRepo) CreateSchema(ctx context.Context) error { return nil }

func TestProducer_Append_InsertsPendingRow(t *testing.T) {
	repo := &fakeProducerRepo{}
	producer := NewProducer(repo, nil)

	row, err := producer.Append(context.Background(), EventFields{
		Destination: "orders",
		EventType:   "order.created",
		Payload:     []byte(`{"id":1}`),
	})

	require.NoError(t, err)
	assert.Equal(t, StatusPending, row.Status)
	require.Len(t, repo.appended, 1)
	assert.Equal(t, "orders", repo.appended[0].DestinationService)
}

func TestExecuteAndAppend_CommitsOnSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	repo := &fakeProducerRepo{}
	producer := NewProducer(repo, db)

	result, err := ExecuteAndAppend(context.Background(), producer, EventFields{
		Destination: "orders",
		EventType:   "order.created",
		Payload:     []byte(`{}`),
	}, func(ctx context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	require.Len(t, repo.appended, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteAndAppend_RollsBackOnBusinessError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	repo := &fakeProducerRepo{}
	producer := NewProducer(repo, db)
	bizErr := errors.New("business logic failed")

	_, err = ExecuteAndAppend(context.Background(), producer, EventFields{
		Destination: "orders",
		EventType:   "order.created",
	}, func(ctx context.Context) (int, error) {
		return 0, bizErr
	})

	require.Error(t, err)
	assert.Empty(t, repo.appended)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteAndAppend_RollsBackOnAppendFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	repo := &fakeProducerRepo{insertErr: errors.New("unique violation")}
	producer := NewProducer(repo, db)

	_, err = ExecuteAndAppend(context.Background(), producer, EventFields{
		Destination: "orders",
		EventType:   "order.created",
	}, func(ctx context.Context) (int, error) {
		return 7, nil
	})

	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteAndAppendMany_AppendsAllRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	repo := &fakeProducerRepo{}
	producer := NewProducer(repo, db)

	fields := []EventFields{
		{Destination: "orders", EventType: "order.created"},
		{Destination: "billing", EventType: "invoice.created"},
	}

	_, err = ExecuteAndAppendMany(context.Background(), producer, fields, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})

	require.NoError(t, err)
	assert.Len(t, repo.appended, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}
