package limit

import (
	"context"
	"testing"

	"github.com/flowgate/gateway/gateway/counter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cap(v float64) *float64 { return &v }

func TestChecker_AllowsWhenUnderCap(t *testing.T) {
	store := counter.NewMemoryStore()
	cfg := Config{Default: map[string]Caps{"cost": {Day: cap(10)}}}
	checker := New(store, cfg, nil)

	ctx := context.Background()
	_, err := store.Increment(ctx, "tenant-a", "cost", counter.PeriodDay, 5)
	require.NoError(t, err)

	d := checker.Check(ctx, "tenant-a", "cost")
	assert.True(t, d.Allowed)
}

func TestChecker_RejectsWhenDayCapExceeded(t *testing.T) {
	store := counter.NewMemoryStore()
	cfg := Config{Default: map[string]Caps{"cost": {Day: cap(10)}}}
	checker := New(store, cfg, nil)

	ctx := context.Background()
	_, err := store.Increment(ctx, "tenant-a", "cost", counter.PeriodDay, 10)
	require.NoError(t, err)

	d := checker.Check(ctx, "tenant-a", "cost")
	assert.False(t, d.Allowed)
	assert.Equal(t, "day", d.Exceeded)
}

func TestChecker_TenantOverrideWinsOverDefault(t *testing.T) {
	store := counter.NewMemoryStore()
	cfg := Config{
		Default: map[string]Caps{"cost": {Day: cap(10)}},
		Tenant:  map[string]map[string]Caps{"tenant-b": {"cost": {Day: cap(1000)}}},
	}
	checker := New(store, cfg, nil)

	ctx := context.Background()
	_, err := store.Increment(ctx, "tenant-b", "cost", counter.PeriodDay, 500)
	require.NoError(t, err)

	d := checker.Check(ctx, "tenant-b", "cost")
	assert.True(t, d.Allowed)
}

func TestChecker_NoCapConfiguredIsUnlimited(t *testing.T) {
	store := counter.NewMemoryStore()
	checker := New(store, Config{}, nil)

	d := checker.Check(context.Background(), "tenant-a", "cost")
	assert.True(t, d.Allowed)
}

type erroringStore struct{ counter.Store }

func (erroringStore) Get(ctx context.Context, tenant, metric string, period counter.Period) (float64, error) {
	return 0, assertErr
}

var assertErr = &storeErr{}

type storeErr struct{}

func (*storeErr) Error() string { return "store unavailable" }

func TestChecker_FailsOpenOnStoreError(t *testing.T) {
	cfg := Config{Default: map[string]Caps{"cost": {Day: cap(10)}}}
	checker := New(erroringStore{}, cfg, nil)

	d := checker.Check(context.Background(), "tenant-a", "cost")
	assert.True(t, d.Allowed)
}
