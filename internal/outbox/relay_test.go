package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	pending         []*OutboxRow
	failed          []*OutboxRow
	published       []int64
	markFailedIDs   []int64
	markPublishFn   func(id int64) (bool, error)
	markFailedFn    func(id int64, lastErr string) (bool, error)
	recoverStuckN   int
	recoverStuckErr error
	peekPendingIDs  []int64
	peekFailedIDs   []int64
}

func (m *mockRepo) Insert(ctx context.Context, row NewRow) (*OutboxRow, error) { return nil, nil }

func (m *mockRepo) ClaimBatch(ctx context.Context, destination string, limit int) ([]*OutboxRow, error) {
	var out []*OutboxRow
	for _, r := range m.pending {
		if destination == "" || r.DestinationService == destination {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRepo) ClaimFailedBatch(ctx context.Context, limit int, maxRetries int) ([]*OutboxRow, error) {
	return m.failed, nil
}

func (m *mockRepo) PeekPendingIDs(ctx context.Context, destination string, limit int) ([]int64, error) {
	if m.peekPendingIDs != nil {
		return m.peekPendingIDs, nil
	}
	var ids []int64
	for _, r := range m.pending {
		if destination == "" || r.DestinationService == destination {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (m *mockRepo) PeekFailedIDs(ctx context.Context, limit int, maxRetries int) ([]int64, error) {
	if m.peekFailedIDs != nil {
		return m.peekFailedIDs, nil
	}
	var ids []int64
	for _, r := range m.failed {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (m *mockRepo) MarkPublished(ctx context.Context, id int64) (bool, error) {
	m.published = append(m.published, id)
	if m.markPublishFn != nil {
		return m.markPublishFn(id)
	}
	return true, nil
}

func (m *mockRepo) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	m.markFailedIDs = append(m.markFailedIDs, id)
	if m.markFailedFn != nil {
		return m.markFailedFn(id, lastError)
	}
	return true, nil
}

func (m *mockRepo) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	return m.recoverStuckN, m.recoverStuckErr
}

func (m *mockRepo) CountPending(ctx context.Context) (int64, error) { return int64(len(m.pending)), nil }

func (m *mockRepo) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *mockRepo) CreateSchema(ctx context.Context) error { return nil }

type mockTransport struct {
	publishErr map[string]error
	healthy    bool
	calls      []string
}

func (t *mockTransport) Publish(ctx context.Context, row *OutboxRow) error {
	t.calls = append(t.calls, row.MessageID)
	if err, ok := t.publishErr[row.MessageID]; ok {
		return err
	}
	return nil
}

func (t *mockTransport) Healthy(ctx context.Context) bool { return t.healthy }

func TestRelay_ProcessAll_PublishesAndMarksSuccess(t *testing.T) {
	repo := &mockRepo{pending: []*OutboxRow{
		{ID: 1, MessageID: "m1", DestinationService: "orders"},
		{ID: 2, MessageID: "m2", DestinationService: "orders"},
	}}
	transport := &mockTransport{publishErr: map[string]error{}}
	relay := NewRelay(repo, transport, nil)

	stats, err := relay.ProcessAll(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 0, stats.Failed)
	assert.ElementsMatch(t, []int64{1, 2}, repo.published)
}

func TestRelay_ProcessAll_PublishFailureMarksFailed(t *testing.T) {
	repo := &mockRepo{pending: []*OutboxRow{
		{ID: 1, MessageID: "m1", DestinationService: "orders"},
	}}
	transport := &mockTransport{publishErr: map[string]error{"m1": errors.New("connection refused")}}
	relay := NewRelay(repo, transport, nil)

	stats, err := relay.ProcessAll(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 0, stats.Processed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, []int64{1}, repo.markFailedIDs)
}

func TestRelay_ProcessForDestination_FiltersByDestination(t *testing.T) {
	repo := &mockRepo{pending: []*OutboxRow{
		{ID: 1, MessageID: "m1", DestinationService: "orders"},
		{ID: 2, MessageID: "m2", DestinationService: "billing"},
	}}
	transport := &mockTransport{publishErr: map[string]error{}}
	relay := NewRelay(repo, transport, nil)

	stats, err := relay.ProcessForDestination(context.Background(), "orders", 10)

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, []string{"m1"}, transport.calls)
}

func TestRelay_RetryFailed_ReportsRetriedNotProcessed(t *testing.T) {
	repo := &mockRepo{failed: []*OutboxRow{
		{ID: 3, MessageID: "m3", DestinationService: "orders"},
	}}
	transport := &mockTransport{publishErr: map[string]error{}}
	relay := NewRelay(repo, transport, nil)

	stats, err := relay.RetryFailed(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)
	assert.Equal(t, 0, stats.Processed)
}

func TestRelay_RecoverStuck(t *testing.T) {
	repo := &mockRepo{recoverStuckN: 3}
	relay := NewRelay(repo, &mockTransport{}, nil)

	n, err := relay.RecoverStuck(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRelay_ProcessAll_ContentionReportsSkipped(t *testing.T) {
	repo := &mockRepo{
		pending:        []*OutboxRow{{ID: 1, MessageID: "m1", DestinationService: "orders"}},
		peekPendingIDs: []int64{1, 2, 3}, // another worker won ids 2 and 3 first
	}
	transport := &mockTransport{publishErr: map[string]error{}}
	relay := NewRelay(repo, transport, nil)

	stats, err := relay.ProcessAll(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 2, stats.Skipped)
}

func TestRelay_RetryFailed_ContentionReportsSkipped(t *testing.T) {
	repo := &mockRepo{
		failed:        []*OutboxRow{{ID: 3, MessageID: "m3", DestinationService: "orders"}},
		peekFailedIDs: []int64{3, 4},
	}
	transport := &mockTransport{publishErr: map[string]error{}}
	relay := NewRelay(repo, transport, nil)

	stats, err := relay.RetryFailed(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)
	assert.Equal(t, 1, stats.Skipped)
}

func TestRelay_ClaimMissOnMarkPublishedIsNotFatal(t *testing.T) {
	repo := &mockRepo{
		pending:       []*OutboxRow{{ID: 1, MessageID: "m1", DestinationService: "orders"}},
		markPublishFn: func(id int64) (bool, error) { return false, nil },
	}
	transport := &mockTransport{publishErr: map[string]error{}}
	relay := NewRelay(repo, transport, nil)

	stats, err := relay.ProcessAll(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
}
