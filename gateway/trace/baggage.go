// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// BaggageSpanProcessor copies a configured key list from the context's
// baggage onto every span at start time, so cross-cutting identifiers
// (run id, parent trace, label) survive into the stored span attributes
// without any global mutable state.
type BaggageSpanProcessor struct {
	keys []string
}

// NewBaggageSpanProcessor creates a processor for the given keys; nil
// selects the standard key set.
func NewBaggageSpanProcessor(keys []string) *BaggageSpanProcessor {
	if keys == nil {
		keys = BaggageKeys
	}
	return &BaggageSpanProcessor{keys: keys}
}

var _ sdktrace.SpanProcessor = (*BaggageSpanProcessor)(nil)

func (p *BaggageSpanProcessor) OnStart(ctx context.Context, span sdktrace.ReadWriteSpan) {
	bag := baggage.FromContext(ctx)
	for _, key := range p.keys {
		if member := bag.Member(key); member.Value() != "" {
			span.SetAttributes(attribute.String(key, member.Value()))
		}
	}
}

func (p *BaggageSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan)          {}
func (p *BaggageSpanProcessor) Shutdown(ctx context.Context) error    { return nil }
func (p *BaggageSpanProcessor) ForceFlush(ctx context.Context) error  { return nil }
