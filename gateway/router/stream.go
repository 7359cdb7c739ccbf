// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package router

import (
	"context"
	"strconv"
	"strings"

	"github.com/flowgate/gateway/gateway/eventbus"
	"github.com/flowgate/gateway/gateway/guard"
	"github.com/flowgate/gateway/gateway/pricing"
	"github.com/flowgate/gateway/llm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ChatCompletionStream runs a streaming chat request. Chunks are forwarded
// in adapter-production order; the assistant content is accumulated for
// output-guard evaluation at stream end. A failing output guard truncates
// the stream with a terminal error chunk carrying the guard id.
//
// The returned channel is closed when the stream ends for any reason. An
// LlmStop event is always published, including on cancellation, so the
// aggregator can bill whatever partial usage was observed.
func (r *Router) ChatCompletionStream(ctx context.Context, tenant string, req *llm.ChatRequest) (<-chan llm.StreamChunk, *pricing.ModelMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.requestTimeout())

	ctx, span := r.tracer.Start(ctx, "chat_completion_stream",
		trace.WithAttributes(attribute.String("model", req.Model), attribute.String("tenant", tenant)))

	fail := func(err error) (<-chan llm.StreamChunk, *pricing.ModelMetadata, error) {
		span.End()
		cancel()
		return nil, nil, err
	}

	meta, err := r.Resolve(req.Model)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(
		attribute.String("provider", meta.InferenceProvider.Provider),
		attribute.String("model_name", meta.InferenceProvider.ModelName))

	if err := r.admit(ctx, tenant); err != nil {
		span.SetAttributes(attribute.String("state", string(stateRejected)))
		span.End()
		cancel()
		return nil, meta, err
	}

	if res, ok, err := r.engine.EvaluateInput(ctx, r.cfg.Guards, lastUserText(req.Messages)); err != nil {
		span.End()
		cancel()
		return nil, meta, err
	} else if !ok {
		span.SetAttributes(attribute.String("state", string(stateGuardFailed)))
		span.End()
		cancel()
		return nil, meta, &GuardError{Result: res}
	}

	provider, err := r.registry.ChatProvider(meta)
	if err != nil {
		span.End()
		cancel()
		return nil, meta, err
	}

	upstream := *req
	upstream.Model = meta.InferenceProvider.ModelName

	base := eventbus.ModelEvent{
		TraceID:  req.TraceID,
		TenantID: tenant,
		Provider: meta.InferenceProvider.Provider,
		Model:    meta.Model,
	}
	start := base
	start.Type = eventbus.EventLlmStart
	r.publish(start)
	span.SetAttributes(attribute.String("state", string(stateStreaming)))

	inner, err := provider.Stream(ctx, &upstream)
	if err != nil {
		stop := base
		stop.Type = eventbus.EventLlmStop
		stop.FinishReason = "error"
		r.publish(stop)
		span.SetAttributes(attribute.String("state", string(stateProviderError)))
		span.End()
		cancel()
		return nil, meta, err
	}

	out := make(chan llm.StreamChunk)
	go r.interceptStream(ctx, cancel, span, meta, base, req.Messages, inner, out)
	return out, meta, nil
}

// interceptStream forwards adapter chunks downstream while tracking first
// token, tool calls, accumulated content, and usage, then closes out the
// request: output guards, the terminal LlmStop event, and span state.
func (r *Router) interceptStream(
	ctx context.Context,
	cancel context.CancelFunc,
	span trace.Span,
	meta *pricing.ModelMetadata,
	base eventbus.ModelEvent,
	messages []llm.Message,
	inner <-chan llm.StreamChunk,
	out chan<- llm.StreamChunk,
) {
	defer cancel()
	defer span.End()
	defer close(out)

	var (
		content      strings.Builder
		usage        llm.ChatUsage
		finishReason string
		firstToken   bool
		overflowed   bool
		streamErr    *llm.Error
		cancelled    bool
		held         []llm.StreamChunk
	)
	maxBuffer := r.cfg.maxGuardBuffer()

	forward := func(chunk llm.StreamChunk) bool {
		select {
		case <-ctx.Done():
			cancelled = true
			return false
		case out <- chunk:
			return true
		}
	}

loop:
	for {
		select {
		case <-ctx.Done():
			cancelled = true
			break loop
		case chunk, ok := <-inner:
			if !ok {
				break loop
			}
			if chunk.Err != nil {
				streamErr = chunk.Err
				forward(chunk)
				break loop
			}

			if chunk.Delta.Content != "" {
				if !firstToken {
					firstToken = true
					first := base
					first.Type = eventbus.EventLlmFirstToken
					r.publish(first)
				}
				if content.Len()+len(chunk.Delta.Content) <= maxBuffer {
					content.WriteString(chunk.Delta.Content)
				} else {
					overflowed = true
				}
			}

			for _, tc := range chunk.Delta.ToolCalls {
				toolEv := base
				toolEv.Type = eventbus.EventToolStart
				toolEv.ToolName = tc.Name
				toolEv.ToolID = tc.ID
				r.publish(toolEv)
			}

			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if chunk.FinishReason != "" {
				finishReason = chunk.FinishReason
			}

			// Terminal chunks (usage-only or finish-reason-only) are
			// withheld until output guards pass; everything else streams
			// through immediately.
			if chunk.Delta.Content == "" && len(chunk.Delta.ToolCalls) == 0 && (chunk.FinishReason != "" || chunk.Usage != nil) {
				held = append(held, chunk)
				continue
			}
			if !forward(chunk) {
				break loop
			}
		}
	}

	// Output guards run on the accumulated assistant content unless the
	// stream already failed or was cancelled.
	if streamErr == nil && !cancelled {
		if failed := r.evaluateStreamOutput(ctx, overflowed, content.String()); failed != nil {
			span.SetAttributes(attribute.String("state", string(stateGuardFailed)))
			forward(llm.StreamChunk{
				Provider: meta.InferenceProvider.Provider,
				Model:    meta.Model,
				Err: &llm.Error{
					Code:       llm.ErrGuardFailed,
					Message:    failed.Reason,
					HTTPStatus: 446,
					Provider:   failed.GuardID,
				},
			})
			streamErr = &llm.Error{Code: llm.ErrGuardFailed}
		} else {
			span.SetAttributes(attribute.String("state", string(stateOutputGuarded)))
			for _, c := range held {
				if !forward(c) {
					break
				}
			}
		}
	}

	estimateUsage(meta.InferenceProvider.ModelName, messages, content.String(), &usage)

	stop := base
	stop.Type = eventbus.EventLlmStop
	stop.Usage = busUsage(usage)
	switch {
	case cancelled:
		stop.FinishReason = "cancelled"
		span.SetAttributes(attribute.String("state", string(stateCancelled)))
	case streamErr != nil && streamErr.Code != llm.ErrGuardFailed:
		stop.FinishReason = "error"
		span.SetAttributes(attribute.String("state", string(stateProviderError)))
	case streamErr != nil:
		stop.FinishReason = "error"
	case finishReason != "":
		stop.FinishReason = finishReason
		span.SetAttributes(attribute.String("state", string(stateCompleted)))
	default:
		stop.FinishReason = "stop"
		span.SetAttributes(attribute.String("state", string(stateCompleted)))
	}
	r.publish(stop)

	r.logger.Debug("stream finished",
		zap.String("model", meta.Model),
		zap.String("finish_reason", stop.FinishReason),
		zap.Int("completion_tokens", usage.CompletionTokens))
}

// evaluateStreamOutput runs output guards over buffered content, treating
// buffer overflow as a failure in its own right.
func (r *Router) evaluateStreamOutput(ctx context.Context, overflowed bool, content string) *guard.Result {
	hasOutputGuards := false
	for i := range r.cfg.Guards {
		if appliesToOutput(&r.cfg.Guards[i]) {
			hasOutputGuards = true
			break
		}
	}
	if !hasOutputGuards {
		return nil
	}

	if overflowed {
		return &guard.Result{
			Kind:    guard.ResultText,
			Passed:  false,
			GuardID: "output",
			Reason:  "content too large to evaluate",
		}
	}

	results, err := r.engine.EvaluateOutput(ctx, r.cfg.Guards, content)
	if err != nil {
		return &guard.Result{
			Kind:    guard.ResultText,
			Passed:  false,
			GuardID: "output",
			Reason:  err.Error(),
		}
	}
	return guard.FirstFailure(results)
}

func appliesToOutput(g *guard.Guard) bool {
	return g.Stage == guard.StageOutput || g.Stage == guard.StageBoth
}

// megapixels parses a "WxH" size string into megapixels; unparseable
// sizes yield zero and fall through to the catalog's table pricing.
func megapixels(size string) float64 {
	w, h, found := strings.Cut(strings.ToLower(size), "x")
	if !found {
		return 0
	}
	width, err1 := strconv.Atoi(strings.TrimSpace(w))
	height, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil {
		return 0
	}
	return float64(width) * float64(height) / 1e6
}
