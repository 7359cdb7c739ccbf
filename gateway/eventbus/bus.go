// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package eventbus implements a bounded, lossy broadcast of ModelEvents.
// The Router emits events as a request progresses; the Usage Aggregator is
// the bus's one durable subscriber. Losing events under backpressure is
// acceptable here — the aggregator degrading gracefully under load matters
// more than guaranteeing delivery of every event.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventType discriminates the ModelEvent tagged union.
type EventType string

const (
	EventLlmStart            EventType = "llm_start"
	EventLlmFirstToken       EventType = "llm_first_token"
	EventLlmStop             EventType = "llm_stop"
	EventToolStart           EventType = "tool_start"
	EventToolResult          EventType = "tool_result"
	EventImageGenerationFinish EventType = "image_generation_finish"
)

// ModelEvent is a single point in a request's lifecycle, carrying enough
// context for the aggregator to compute cost and increment counters.
type ModelEvent struct {
	Type     EventType
	TraceID  string
	TenantID string
	Provider string
	Model    string

	// LlmStop / ImageGenerationFinish fields.
	FinishReason string
	Usage        Usage

	// ToolStart / ToolResult fields.
	ToolName string
	ToolID   string
}

// Usage mirrors the cost package's Usage shape so the aggregator doesn't
// need the bus to import it; kept as plain fields to avoid a dependency
// cycle between eventbus and cost.
type Usage struct {
	Kind             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Quality          string
	Size             string
	ImagesCount      int
	StepsCount       int
	Megapixels       float64
}

const defaultCapacity = 100

// Bus is a bounded, fan-out broadcast channel. Publish never blocks the
// caller: if a subscriber's buffer is full, that subscriber's oldest
// buffered event is discarded to make room for the new one and a counter
// is bumped for observability.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan ModelEvent
	nextID      int
	capacity    int
	logger      *zap.Logger
	dropped     atomic.Int64
}

// New creates an Event Bus with the standard capacity-100 per-subscriber
// buffer.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[int]chan ModelEvent),
		capacity:    defaultCapacity,
		logger:      logger.With(zap.String("component", "event_bus")),
	}
}

// Subscribe registers a new receiver and returns its channel plus an
// unsubscribe func. The channel is closed when Unsubscribe is called or
// ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) (<-chan ModelEvent, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan ModelEvent, b.capacity)
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
		b.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return ch, unsubscribe
}

// Publish fans an event out to every current subscriber without blocking.
// A full subscriber buffer sheds its oldest event to make room, so a
// lagged subscriber converges toward the latest events (the terminal
// LlmStop matters more than a stale LlmStart).
func (b *Bus) Publish(ev ModelEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
			continue
		default:
		}

		// Buffer full: discard the oldest event and retry once. The
		// retry can still lose to a concurrent producer; give up rather
		// than block.
		var dropped ModelEvent
		select {
		case dropped = <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
			dropped = ev
		}

		b.dropped.Add(1)
		b.logger.Warn("event dropped, subscriber buffer full",
			zap.String("event_type", string(dropped.Type)),
			zap.String("trace_id", dropped.TraceID))
	}
}

// Dropped returns the count of events dropped so far, for metrics.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of currently registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
