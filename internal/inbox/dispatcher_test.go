package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockInboxRepo struct {
	pending         []*InboxRow
	failed          []*InboxRow
	processedIDs    []int64
	markFailedIDs   []int64
	noHandlerIDs    []int64
	markProcessedFn func(id int64) (bool, error)
	recoverStuckN   int
}

func (m *mockInboxRepo) Insert(ctx context.Context, row NewRow) (*InboxRow, bool, error) {
	return nil, false, nil
}

func (m *mockInboxRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// ClaimBatch drains m.pending, which the Dispatcher's per-row claim loop
// calls with limit 1 repeatedly until it returns none, mirroring a real
// repository where a claimed row is no longer a PENDING candidate.
func (m *mockInboxRepo) ClaimBatch(ctx context.Context, limit int) ([]*InboxRow, error) {
	if len(m.pending) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(m.pending) {
		n = len(m.pending)
	}
	claimed := m.pending[:n]
	m.pending = m.pending[n:]
	return claimed, nil
}

func (m *mockInboxRepo) ClaimFailedBatch(ctx context.Context, limit int, maxRetries int) ([]*InboxRow, error) {
	if len(m.failed) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(m.failed) {
		n = len(m.failed)
	}
	claimed := m.failed[:n]
	m.failed = m.failed[n:]
	return claimed, nil
}

func (m *mockInboxRepo) MarkProcessed(ctx context.Context, id int64) (bool, error) {
	m.processedIDs = append(m.processedIDs, id)
	if m.markProcessedFn != nil {
		return m.markProcessedFn(id)
	}
	return true, nil
}

func (m *mockInboxRepo) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	m.markFailedIDs = append(m.markFailedIDs, id)
	return true, nil
}

func (m *mockInboxRepo) MarkNoHandler(ctx context.Context, id int64) (bool, error) {
	m.noHandlerIDs = append(m.noHandlerIDs, id)
	return true, nil
}

func (m *mockInboxRepo) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	return m.recoverStuckN, nil
}

func (m *mockInboxRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *mockInboxRepo) CreateSchema(ctx context.Context) error { return nil }

func TestDispatcher_ProcessAll_HandlerSucceeds(t *testing.T) {
	repo := &mockInboxRepo{pending: []*InboxRow{
		{ID: 1, MessageID: "m1", EventType: "order.created"},
	}}
	registry := NewRegistry()
	registry.Register("order.created", func(ctx context.Context, row *InboxRow) error { return nil })
	dispatcher := NewDispatcher(repo, registry, nil)

	stats, err := dispatcher.ProcessAll(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, []int64{1}, repo.processedIDs)
}

func TestDispatcher_ProcessAll_HandlerFails(t *testing.T) {
	repo := &mockInboxRepo{pending: []*InboxRow{
		{ID: 1, MessageID: "m1", EventType: "order.created"},
	}}
	registry := NewRegistry()
	registry.Register("order.created", func(ctx context.Context, row *InboxRow) error {
		return errors.New("handler boom")
	})
	dispatcher := NewDispatcher(repo, registry, nil)

	stats, err := dispatcher.ProcessAll(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, []int64{1}, repo.markFailedIDs)
}

func TestDispatcher_ProcessAll_NoHandlerRegistered(t *testing.T) {
	repo := &mockInboxRepo{pending: []*InboxRow{
		{ID: 1, MessageID: "m1", EventType: "unregistered.event"},
	}}
	registry := NewRegistry()
	dispatcher := NewDispatcher(repo, registry, nil)

	stats, err := dispatcher.ProcessAll(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, stats.NoHandler)
	assert.Equal(t, []int64{1}, repo.noHandlerIDs)
}

func TestDispatcher_RetryFailed_ReportsRetried(t *testing.T) {
	repo := &mockInboxRepo{failed: []*InboxRow{
		{ID: 2, MessageID: "m2", EventType: "order.created"},
	}}
	registry := NewRegistry()
	registry.Register("order.created", func(ctx context.Context, row *InboxRow) error { return nil })
	dispatcher := NewDispatcher(repo, registry, nil)

	stats, err := dispatcher.RetryFailed(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)
	assert.Equal(t, 0, stats.Processed)
}

func TestDispatcher_RecoverStuck(t *testing.T) {
	repo := &mockInboxRepo{recoverStuckN: 4}
	dispatcher := NewDispatcher(repo, NewRegistry(), nil)

	n, err := dispatcher.RecoverStuck(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestDispatcher_ProcessAll_MarkErrorRollsBackRowButOthersStillProcess(t *testing.T) {
	repo := &mockInboxRepo{
		pending: []*InboxRow{
			{ID: 1, MessageID: "m1", EventType: "order.created"},
			{ID: 2, MessageID: "m2", EventType: "order.created"},
		},
		markProcessedFn: func(id int64) (bool, error) {
			if id == 1 {
				return false, errors.New("connection reset")
			}
			return true, nil
		},
	}
	registry := NewRegistry()
	registry.Register("order.created", func(ctx context.Context, row *InboxRow) error { return nil })
	dispatcher := NewDispatcher(repo, registry, nil)

	stats, err := dispatcher.ProcessAll(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Processed)
}

func TestDispatcher_ClaimMissOnMarkProcessedIsNotFatal(t *testing.T) {
	repo := &mockInboxRepo{
		pending:         []*InboxRow{{ID: 1, MessageID: "m1", EventType: "order.created"}},
		markProcessedFn: func(id int64) (bool, error) { return false, nil },
	}
	registry := NewRegistry()
	registry.Register("order.created", func(ctx context.Context, row *InboxRow) error { return nil })
	dispatcher := NewDispatcher(repo, registry, nil)

	stats, err := dispatcher.ProcessAll(context.Background(), 10)

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
}
