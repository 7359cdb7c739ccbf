// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package aggregator implements the Usage Aggregator: the Event Bus's
// durable subscriber. It computes cost for completed requests and
// increments the Counter Store, never failing the originating request —
// all errors here are logged and swallowed.
package aggregator

import (
	"context"

	"github.com/flowgate/gateway/gateway/cost"
	"github.com/flowgate/gateway/gateway/counter"
	"github.com/flowgate/gateway/gateway/eventbus"
	"go.uber.org/zap"
)

// Aggregator subscribes to an Event Bus and drives cost + usage counters.
type Aggregator struct {
	bus    *eventbus.Bus
	calc   *cost.Calculator
	store  counter.Store
	logger *zap.Logger
}

// New creates an Aggregator wired to the given bus, cost calculator, and
// counter store.
func New(bus *eventbus.Bus, calc *cost.Calculator, store counter.Store, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{bus: bus, calc: calc, store: store, logger: logger.With(zap.String("component", "usage_aggregator"))}
}

// Run subscribes to the bus and processes events until ctx is cancelled.
// Intended to be launched as `go aggregator.Run(ctx)`.
func (a *Aggregator) Run(ctx context.Context) {
	ch, _ := a.bus.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *Aggregator) handle(ctx context.Context, ev eventbus.ModelEvent) {
	switch ev.Type {
	case eventbus.EventLlmStop, eventbus.EventImageGenerationFinish:
		a.recordUsage(ctx, ev)
	default:
		// Other event types (start, first-token, tool events) carry no
		// billable usage; they exist for tracing/observability only.
	}
}

func (a *Aggregator) recordUsage(ctx context.Context, ev eventbus.ModelEvent) {
	usage := cost.Usage{
		Kind:             cost.UsageKind(ev.Usage.Kind),
		PromptTokens:     ev.Usage.PromptTokens,
		CompletionTokens: ev.Usage.CompletionTokens,
		TotalTokens:      ev.Usage.TotalTokens,
		Quality:          ev.Usage.Quality,
		Size:             ev.Usage.Size,
		ImagesCount:      ev.Usage.ImagesCount,
		StepsCount:       ev.Usage.StepsCount,
		Megapixels:       ev.Usage.Megapixels,
	}

	result, err := a.calc.Calculate(ev.Model, ev.Provider, usage)
	if err != nil {
		a.logger.Debug("cost calculation failed, skipping counter increment",
			zap.String("trace_id", ev.TraceID), zap.String("model", ev.Model), zap.Error(err))
		return
	}

	totals, err := counter.IncrementAll(ctx, a.store, ev.TenantID, "llm_usage", result.Cost)
	if err != nil {
		a.logger.Debug("counter increment failed", zap.String("trace_id", ev.TraceID), zap.Error(err))
		return
	}

	if usage.Kind == cost.UsageCompletion {
		if _, err := counter.IncrementAll(ctx, a.store, ev.TenantID, "tokens", float64(usage.TotalTokens)); err != nil {
			a.logger.Debug("token counter increment failed", zap.String("trace_id", ev.TraceID), zap.Error(err))
		}
	}

	a.logger.Debug("usage recorded",
		zap.String("trace_id", ev.TraceID),
		zap.String("tenant_id", ev.TenantID),
		zap.Float64("cost", result.Cost),
		zap.Float64("total_cost", totals[counter.PeriodTotal]))
}
