package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/flowgate/gateway/gateway/cost"
	"github.com/flowgate/gateway/gateway/counter"
	"github.com/flowgate/gateway/gateway/eventbus"
	"github.com/flowgate/gateway/gateway/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregator_IncrementsCounterOnLlmStop(t *testing.T) {
	catalog, err := pricing.Load()
	require.NoError(t, err)
	calc := cost.New(catalog)
	store := counter.NewMemoryStore()
	bus := eventbus.New(nil)

	agg := New(bus, calc, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	// Publish reaches only registered subscribers; wait for Run to subscribe.
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	bus.Publish(eventbus.ModelEvent{
		Type:     eventbus.EventLlmStop,
		TraceID:  "t1",
		TenantID: "tenant-a",
		Provider: "openai",
		Model:    "gpt-4o",
		Usage: eventbus.Usage{
			Kind:             "completion",
			PromptTokens:     1000,
			CompletionTokens: 100,
			TotalTokens:      1100,
		},
	})

	require.Eventually(t, func() bool {
		v, _ := store.Get(context.Background(), "tenant-a", "llm_usage", counter.PeriodTotal)
		return v > 0
	}, time.Second, 10*time.Millisecond)

	tokens, err := store.Get(ctx, "tenant-a", "tokens", counter.PeriodTotal)
	require.NoError(t, err)
	assert.Equal(t, 1100.0, tokens)
}

func TestAggregator_IgnoresNonTerminalEvents(t *testing.T) {
	catalog, err := pricing.Load()
	require.NoError(t, err)
	calc := cost.New(catalog)
	store := counter.NewMemoryStore()
	bus := eventbus.New(nil)

	agg := New(bus, calc, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	bus.Publish(eventbus.ModelEvent{Type: eventbus.EventLlmStart, TenantID: "tenant-a"})
	time.Sleep(50 * time.Millisecond)

	v, err := store.Get(ctx, "tenant-a", "llm_usage", counter.PeriodTotal)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

func TestAggregator_UnknownModelSkipsWithoutPanic(t *testing.T) {
	catalog, err := pricing.Load()
	require.NoError(t, err)
	calc := cost.New(catalog)
	store := counter.NewMemoryStore()
	bus := eventbus.New(nil)

	agg := New(bus, calc, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	bus.Publish(eventbus.ModelEvent{
		Type:     eventbus.EventLlmStop,
		TenantID: "tenant-a",
		Provider: "openai",
		Model:    "no-such-model",
		Usage:    eventbus.Usage{Kind: "completion", TotalTokens: 10},
	})
	time.Sleep(50 * time.Millisecond)

	v, err := store.Get(ctx, "tenant-a", "llm_usage", counter.PeriodTotal)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}
