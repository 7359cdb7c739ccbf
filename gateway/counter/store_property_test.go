package counter

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Concurrent increments must sum exactly: final = Σ delta regardless of
// interleaving.
func TestMemoryStore_ConcurrentIncrementsSum(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		deltas := rapid.SliceOfN(rapid.Float64Range(0, 1000), 1, 64).Draw(t, "deltas")

		s := NewMemoryStore()
		ctx := context.Background()

		var wg sync.WaitGroup
		for _, d := range deltas {
			wg.Add(1)
			go func(delta float64) {
				defer wg.Done()
				_, err := s.Increment(ctx, "tenant", "llm_usage", PeriodTotal, delta)
				require.NoError(t, err)
			}(d)
		}
		wg.Wait()

		var sum float64
		for _, d := range deltas {
			sum += d
		}

		got, err := s.Get(ctx, "tenant", "llm_usage", PeriodTotal)
		require.NoError(t, err)
		require.InDelta(t, sum, got, 1e-6)
	})
}
