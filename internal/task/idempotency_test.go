package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotencyCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	c := NewMemoryIdempotencyCache()
	c.now = clock.Now

	rec, reserved, err := c.Reserve(ctx, "k", "t1", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.False(t, rec.Committed())

	rec, reserved, err = c.Reserve(ctx, "k", "t2", time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "t1", rec.Token)

	// Only the owner may release.
	require.NoError(t, c.Release(ctx, "k", "t2"))
	_, reserved, _ = c.Reserve(ctx, "k", "t2", time.Minute)
	assert.False(t, reserved)

	opID := uuid.New()
	require.NoError(t, c.Commit(ctx, "k", "t1", opID, time.Hour))
	rec, reserved, err = c.Reserve(ctx, "k", "t3", time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.True(t, rec.Committed())
	assert.Equal(t, opID, rec.OperationID)

	// Committed keys survive a release attempt.
	require.NoError(t, c.Release(ctx, "k", "t1"))
	rec, _, _ = c.Reserve(ctx, "k", "t4", time.Minute)
	assert.Equal(t, opID, rec.OperationID)

	clock.Advance(2 * time.Hour)
	_, reserved, err = c.Reserve(ctx, "k", "t5", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved, "retention expired")
}

func TestMemoryIdempotencyCache_ExpiredReservation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	c := NewMemoryIdempotencyCache()
	c.now = clock.Now

	_, reserved, _ := c.Reserve(ctx, "k", "slow", time.Second)
	require.True(t, reserved)
	clock.Advance(2 * time.Second)

	_, reserved, _ = c.Reserve(ctx, "k", "fast", time.Second)
	require.True(t, reserved, "expired reservation can be taken over")

	err := c.Commit(ctx, "k", "slow", uuid.New(), time.Hour)
	assert.ErrorIs(t, err, ErrReservationLost)
	require.NoError(t, c.Commit(ctx, "k", "fast", uuid.New(), time.Hour))
}

func TestMemoryIdempotencyCache_ConcurrentReserve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewMemoryIdempotencyCache()

	const callers = 32
	var mu sync.Mutex
	winners := 0
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, reserved, err := c.Reserve(ctx, "shared", uuid.NewString(), time.Minute)
			assert.NoError(t, err)
			if reserved {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}
