package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmitRepo struct {
	seen    map[string]bool
	insertErr error
}

func newFakeAdmitRepo() *fakeAdmitRepo {
	return &fakeAdmitRepo{seen: make(map[string]bool)}
}

func (r *fakeAdmitRepo) Insert(ctx context.Context, row NewRow) (*InboxRow, bool, error) {
	if r.insertErr != nil {
		return nil, false, r.insertErr
	}
	if r.seen[row.MessageID] {
		return nil, false, nil
	}
	r.seen[row.MessageID] = true
	return &InboxRow{MessageID: row.MessageID, Status: StatusPending}, true, nil
}

func (r *fakeAdmitRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
func (r *fakeAdmitRepo) ClaimBatch(ctx context.Context, limit int) ([]*InboxRow, error) {
	return nil, nil
}
func (r *fakeAdmitRepo) ClaimFailedBatch(ctx context.Context, limit int, maxRetries int) ([]*InboxRow, error) {
	return nil, nil
}
func (r *fakeAdmitRepo) MarkProcessed(ctx context.Context, id int64) (bool, error) { return true, nil }
func (r *fakeAdmitRepo) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	return true, nil
}
func (r *fakeAdmitRepo) MarkNoHandler(ctx context.Context, id int64) (bool, error) { return true, nil }
func (r *fakeAdmitRepo) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}
func (r *fakeAdmitRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (r *fakeAdmitRepo) CreateSchema(ctx context.Context) error { return nil }

func TestAdmitter_NewMessageAdmitted(t *testing.T) {
	repo := newFakeAdmitRepo()
	admitter := NewAdmitter(repo)

	admitted, err := admitter.Admit(context.Background(), NewRow{MessageID: "m1", SourceService: "orders", EventType: "order.created"})

	require.NoError(t, err)
	assert.True(t, admitted)
}

func TestAdmitter_DuplicateMessageNotAdmitted(t *testing.T) {
	repo := newFakeAdmitRepo()
	admitter := NewAdmitter(repo)
	row := NewRow{MessageID: "m1", SourceService: "orders", EventType: "order.created"}

	first, err := admitter.Admit(context.Background(), row)
	require.NoError(t, err)
	require.True(t, first)

	second, err := admitter.Admit(context.Background(), row)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestAdmitter_RepositoryErrorPropagates(t *testing.T) {
	repo := newFakeAdmitRepo()
	repo.insertErr = errors.New("connection reset")
	admitter := NewAdmitter(repo)

	admitted, err := admitter.Admit(context.Background(), NewRow{MessageID: "m1", SourceService: "orders", EventType: "order.created"})

	require.Error(t, err)
	assert.False(t, admitted)
}
