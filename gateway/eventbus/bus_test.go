package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeReceivesPublishedEvent(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx)
	b.Publish(ModelEvent{Type: EventLlmStart, TraceID: "t1"})

	select {
	case ev := <-ch:
		assert.Equal(t, EventLlmStart, ev.Type)
		assert.Equal(t, "t1", ev.TraceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, unsubscribe := b.Subscribe(ctx)
	unsubscribe()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBus_PublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = b.Subscribe(ctx) // never drained

	for i := 0; i < defaultCapacity+10; i++ {
		b.Publish(ModelEvent{Type: EventLlmStop})
	}

	assert.Greater(t, b.Dropped(), int64(0))
}

func TestBus_LaggedSubscriberKeepsLatestEvents(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx)

	// Overflow the buffer: the oldest events are shed, never the newest.
	for i := 0; i < defaultCapacity; i++ {
		b.Publish(ModelEvent{Type: EventLlmStart, TraceID: "stale"})
	}
	b.Publish(ModelEvent{Type: EventLlmStop, TraceID: "billable"})

	assert.Equal(t, int64(1), b.Dropped())

	// Drain everything buffered; the terminal LlmStop must have survived.
	var last ModelEvent
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, EventLlmStop, last.Type)
	assert.Equal(t, "billable", last.TraceID)
}

func TestBus_PublishFansOutToMultipleSubscribers(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, _ := b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)

	b.Publish(ModelEvent{Type: EventToolStart, ToolName: "search"})

	require.Eventually(t, func() bool {
		return len(ch1) == 1 && len(ch2) == 1
	}, time.Second, 10*time.Millisecond)
}
