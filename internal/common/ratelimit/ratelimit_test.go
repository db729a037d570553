package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowsBurstImmediately(t *testing.T) {
	limiter := New(1, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(ctx, "orders"))
	}
}

func TestLimiter_SeparateKeysHaveIndependentBuckets(t *testing.T) {
	limiter := New(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, limiter.Wait(ctx, "orders"))
	require.NoError(t, limiter.Wait(ctx, "billing"))
}

func TestLimiter_WaitRespectsContextCancellation(t *testing.T) {
	limiter := New(0.001, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.NoError(t, limiter.Wait(context.Background(), "orders"))

	err := limiter.Wait(ctx, "orders")

	assert.Error(t, err)
}
