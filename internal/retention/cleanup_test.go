package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relaykit/internal/inbox"
	"github.com/relaykit/relaykit/internal/outbox"
)

type stubOutboxRepo struct {
	outbox.Repository
	deleted int64
	err     error
}

func (s *stubOutboxRepo) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleted, s.err
}

type stubInboxRepo struct {
	inbox.Repository
	deleted int64
	err     error
}

func (s *stubInboxRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleted, s.err
}

func TestCleanup_RunOutboxScope(t *testing.T) {
	outRepo := &stubOutboxRepo{deleted: 5}
	cleanup := NewCleanup(outRepo, nil, 24*time.Hour)

	total, err := cleanup.Run(context.Background(), ScopeOutbox)

	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}

func TestCleanup_RunInboxScope(t *testing.T) {
	inRepo := &stubInboxRepo{deleted: 3}
	cleanup := NewCleanup(nil, inRepo, 24*time.Hour)

	total, err := cleanup.Run(context.Background(), ScopeInbox)

	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestCleanup_RunBothScopesSumsDeletedCounts(t *testing.T) {
	outRepo := &stubOutboxRepo{deleted: 5}
	inRepo := &stubInboxRepo{deleted: 3}
	cleanup := NewCleanup(outRepo, inRepo, 24*time.Hour)

	total, err := cleanup.Run(context.Background(), ScopeBoth)

	require.NoError(t, err)
	assert.Equal(t, int64(8), total)
}

func TestCleanup_OutboxScopeWithoutRepoErrors(t *testing.T) {
	cleanup := NewCleanup(nil, nil, 24*time.Hour)

	_, err := cleanup.Run(context.Background(), ScopeOutbox)

	assert.Error(t, err)
}

func TestCleanup_InboxScopeWithoutRepoErrors(t *testing.T) {
	cleanup := NewCleanup(nil, nil, 24*time.Hour)

	_, err := cleanup.Run(context.Background(), ScopeInbox)

	assert.Error(t, err)
}
