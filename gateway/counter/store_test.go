package counter

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, nil)
}

func TestRedisStore_IncrementAccumulates(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	v, err := s.Increment(ctx, "tenant-a", "tokens", PeriodDay, 10)
	require.NoError(t, err)
	assert.Equal(t, 10.0, v)

	v, err = s.Increment(ctx, "tenant-a", "tokens", PeriodDay, 5.5)
	require.NoError(t, err)
	assert.Equal(t, 15.5, v)
}

func TestRedisStore_PeriodsAreIndependent(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, "tenant-a", "tokens", PeriodDay, 10)
	require.NoError(t, err)
	_, err = s.Increment(ctx, "tenant-a", "tokens", PeriodMonth, 3)
	require.NoError(t, err)

	day, err := s.Get(ctx, "tenant-a", "tokens", PeriodDay)
	require.NoError(t, err)
	month, err := s.Get(ctx, "tenant-a", "tokens", PeriodMonth)
	require.NoError(t, err)

	assert.Equal(t, 10.0, day)
	assert.Equal(t, 3.0, month)
}

func TestRedisStore_GetUnsetIsZero(t *testing.T) {
	s := newTestRedisStore(t)
	v, err := s.Get(context.Background(), "tenant-b", "api_calls", PeriodTotal)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

func TestRedisStore_ConcurrentIncrementsAreAtomic(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Increment(ctx, "tenant-c", "tokens", PeriodTotal, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := s.Get(ctx, "tenant-c", "tokens", PeriodTotal)
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)
}

func TestMemoryStore_MatchesRedisSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	v, err := s.Increment(ctx, "tenant-a", "tokens", PeriodDay, 10)
	require.NoError(t, err)
	assert.Equal(t, 10.0, v)

	v, err = s.Increment(ctx, "tenant-a", "tokens", PeriodDay, 5)
	require.NoError(t, err)
	assert.Equal(t, 15.0, v)

	unset, err := s.Get(ctx, "tenant-a", "other_metric", PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, 0.0, unset)
}

func TestIncrementAll_ReturnsEveryPeriod(t *testing.T) {
	s := NewMemoryStore()
	totals, err := IncrementAll(context.Background(), s, "tenant-a", "tokens", 7)
	require.NoError(t, err)
	assert.Len(t, totals, len(AllPeriods))
	for _, p := range AllPeriods {
		assert.Equal(t, 7.0, totals[p])
	}
}
