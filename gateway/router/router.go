// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package router orchestrates one gateway request end to end: catalog
// resolution, admission control, input guards, provider dispatch, output
// guards, and event emission toward the usage aggregator.
package router

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/flowgate/gateway/gateway/eventbus"
	"github.com/flowgate/gateway/gateway/guard"
	"github.com/flowgate/gateway/gateway/limit"
	"github.com/flowgate/gateway/gateway/pricing"
	"github.com/flowgate/gateway/llm"
	"github.com/flowgate/gateway/llm/embedding"
	"github.com/flowgate/gateway/llm/image"
	"github.com/flowgate/gateway/llm/tokenizer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// request lifecycle states, recorded on the dispatch span.
type state string

const (
	stateAdmitted      state = "admitted"
	stateInputGuarded  state = "input_guarded"
	stateDispatched    state = "dispatched"
	stateStreaming     state = "streaming"
	stateOutputGuarded state = "output_guarded"
	stateCompleted     state = "completed"
	stateRejected      state = "rejected"
	stateGuardFailed   state = "guard_failed"
	stateProviderError state = "provider_error"
	stateCancelled     state = "cancelled"
)

// costMetric is the counter metric admission checks read; the aggregator
// writes the same metric after completion.
const costMetric = "llm_usage"

// Config tunes per-request behavior.
type Config struct {
	// Guards evaluated for every request, in declaration order.
	Guards []guard.Guard

	// RequestTimeout caps a whole request. Zero means 120s.
	RequestTimeout time.Duration

	// MaxGuardBuffer bounds how much assistant output is retained for
	// output-guard evaluation. Zero means 64KiB. Streams exceeding it
	// fail guard evaluation rather than silently skipping it.
	MaxGuardBuffer int
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return 120 * time.Second
}

func (c Config) maxGuardBuffer() int {
	if c.MaxGuardBuffer > 0 {
		return c.MaxGuardBuffer
	}
	return 64 * 1024
}

// Router resolves models and drives requests through guards, providers,
// and the event bus.
type Router struct {
	catalog  *pricing.Catalog
	registry *Registry
	engine   *guard.Engine
	limits   *limit.Checker
	bus      *eventbus.Bus
	cfg      Config
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New creates a Router. The limit checker and bus may be nil, disabling
// admission control and event emission respectively (used by tests and by
// the CLI's one-shot mode).
func New(catalog *pricing.Catalog, registry *Registry, engine *guard.Engine, limits *limit.Checker, bus *eventbus.Bus, cfg Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		catalog:  catalog,
		registry: registry,
		engine:   engine,
		limits:   limits,
		bus:      bus,
		cfg:      cfg,
		tracer:   otel.Tracer("gateway/router"),
		logger:   logger.With(zap.String("component", "router")),
	}
}

// Resolve maps a request model identifier to catalog metadata.
func (r *Router) Resolve(modelID string) (*pricing.ModelMetadata, error) {
	meta, ok := r.catalog.Resolve(modelID)
	if !ok {
		return nil, &llm.Error{
			Code:       llm.ErrModelNotFound,
			Message:    "ModelNotFound: " + modelID,
			HTTPStatus: http.StatusBadRequest,
		}
	}
	return meta, nil
}

// Catalog exposes the loaded catalog for the /v1/models handler.
func (r *Router) Catalog() *pricing.Catalog { return r.catalog }

// admit runs the limit check for a tenant; a denial carries the tripped
// window for the client's Retry-After.
func (r *Router) admit(ctx context.Context, tenant string) error {
	if r.limits == nil {
		return nil
	}
	d := r.limits.Check(ctx, tenant, costMetric)
	if !d.Allowed {
		return &LimitError{Decision: d}
	}
	return nil
}

func (r *Router) publish(ev eventbus.ModelEvent) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

// lastUserText extracts the most recent user message's text content, the
// subject of input-guard evaluation.
func lastUserText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}

// estimateUsage fills in token usage when the provider omitted it, using
// the tokenizer matching the model family.
func estimateUsage(model string, messages []llm.Message, completion string, usage *llm.ChatUsage) {
	if usage.PromptTokens > 0 || usage.CompletionTokens > 0 {
		if usage.TotalTokens == 0 {
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
		return
	}

	tok := tokenizer.GetTokenizerOrEstimator(model)
	msgs := make([]tokenizer.Message, len(messages))
	for i, m := range messages {
		msgs[i] = tokenizer.Message{Role: string(m.Role), Content: m.Content}
	}
	if n, err := tok.CountMessages(msgs); err == nil {
		usage.PromptTokens = n
	}
	if n, err := tok.CountTokens(completion); err == nil {
		usage.CompletionTokens = n
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
}

// busUsage converts chat usage to the event bus's usage shape.
func busUsage(u llm.ChatUsage) eventbus.Usage {
	return eventbus.Usage{
		Kind:             "completion",
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// ChatCompletion runs a non-streaming chat request. The returned metadata
// names the provider and model for response headers.
func (r *Router) ChatCompletion(ctx context.Context, tenant string, req *llm.ChatRequest) (*llm.ChatResponse, *pricing.ModelMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.requestTimeout())
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "chat_completion",
		trace.WithAttributes(attribute.String("model", req.Model), attribute.String("tenant", tenant)))
	defer span.End()

	meta, err := r.Resolve(req.Model)
	if err != nil {
		span.SetAttributes(attribute.String("state", string(stateRejected)))
		return nil, nil, err
	}
	span.SetAttributes(
		attribute.String("provider", meta.InferenceProvider.Provider),
		attribute.String("model_name", meta.InferenceProvider.ModelName))

	if err := r.admit(ctx, tenant); err != nil {
		span.SetAttributes(attribute.String("state", string(stateRejected)))
		return nil, meta, err
	}
	span.SetAttributes(attribute.String("state", string(stateAdmitted)))

	if res, ok, err := r.engine.EvaluateInput(ctx, r.cfg.Guards, lastUserText(req.Messages)); err != nil {
		return nil, meta, err
	} else if !ok {
		span.SetAttributes(attribute.String("state", string(stateGuardFailed)))
		return nil, meta, &GuardError{Result: res}
	}
	span.SetAttributes(attribute.String("state", string(stateInputGuarded)))

	provider, err := r.registry.ChatProvider(meta)
	if err != nil {
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
	span.SetAttributes(attribute.String("state", string(stateDispatched)))

	resp, err := provider.Completion(ctx, &upstream)
	if err != nil {
		stop := base
		stop.Type = eventbus.EventLlmStop
		if errors.Is(err, context.Canceled) {
			stop.FinishReason = "cancelled"
			span.SetAttributes(attribute.String("state", string(stateCancelled)))
		} else {
			stop.FinishReason = "error"
			span.SetAttributes(attribute.String("state", string(stateProviderError)))
		}
		r.publish(stop)
		return nil, meta, err
	}

	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	results, err := r.engine.EvaluateOutput(ctx, r.cfg.Guards, content)
	if err != nil {
		return nil, meta, err
	}
	if failed := guard.FirstFailure(results); failed != nil {
		span.SetAttributes(attribute.String("state", string(stateGuardFailed)))
		return nil, meta, &GuardError{Result: failed}
	}
	span.SetAttributes(attribute.String("state", string(stateOutputGuarded)))

	estimateUsage(meta.InferenceProvider.ModelName, req.Messages, content, &resp.Usage)

	stop := base
	stop.Type = eventbus.EventLlmStop
	stop.Usage = busUsage(resp.Usage)
	if len(resp.Choices) > 0 {
		stop.FinishReason = resp.Choices[0].FinishReason
	}
	r.publish(stop)
	span.SetAttributes(attribute.String("state", string(stateCompleted)))

	resp.Model = meta.Model
	resp.Provider = meta.InferenceProvider.Provider
	return resp, meta, nil
}

// Embeddings runs an embedding request through admission and dispatch.
func (r *Router) Embeddings(ctx context.Context, tenant, modelID string, req *embedding.EmbeddingRequest) (*embedding.EmbeddingResponse, *pricing.ModelMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.requestTimeout())
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "embeddings",
		trace.WithAttributes(attribute.String("model", modelID), attribute.String("tenant", tenant)))
	defer span.End()

	meta, err := r.Resolve(modelID)
	if err != nil {
		return nil, nil, err
	}
	if meta.Type != pricing.ModelTypeEmbedding {
		return nil, meta, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    "model " + meta.Model + " is not an embedding model",
			HTTPStatus: http.StatusBadRequest,
		}
	}

	if err := r.admit(ctx, tenant); err != nil {
		return nil, meta, err
	}

	provider, err := r.registry.EmbeddingProvider(meta)
	if err != nil {
		return nil, meta, err
	}

	upstream := *req
	upstream.Model = meta.InferenceProvider.ModelName

	resp, err := provider.Embed(ctx, &upstream)
	if err != nil {
		return nil, meta, err
	}

	stop := eventbus.ModelEvent{
		Type:     eventbus.EventLlmStop,
		TenantID: tenant,
		Provider: meta.InferenceProvider.Provider,
		Model:    meta.Model,
		Usage: eventbus.Usage{
			Kind:         "completion",
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		FinishReason: "stop",
	}
	r.publish(stop)

	return resp, meta, nil
}

// GenerateImages runs an image generation request: admission, input
// guards over the prompt, dispatch, and an image-finish event for the
// aggregator's image-price path.
func (r *Router) GenerateImages(ctx context.Context, tenant, modelID string, req *image.GenerateRequest) (*image.GenerateResponse, *pricing.ModelMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.requestTimeout())
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "image_generation",
		trace.WithAttributes(attribute.String("model", modelID), attribute.String("tenant", tenant)))
	defer span.End()

	meta, err := r.Resolve(modelID)
	if err != nil {
		return nil, nil, err
	}
	if meta.Type != pricing.ModelTypeImageGeneration {
		return nil, meta, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    "model " + meta.Model + " is not an image generation model",
			HTTPStatus: http.StatusBadRequest,
		}
	}

	if err := r.admit(ctx, tenant); err != nil {
		return nil, meta, err
	}

	if res, ok, err := r.engine.EvaluateInput(ctx, r.cfg.Guards, req.Prompt); err != nil {
		return nil, meta, err
	} else if !ok {
		return nil, meta, &GuardError{Result: res}
	}

	provider, err := r.registry.ImageGenProvider(meta)
	if err != nil {
		return nil, meta, err
	}

	upstream := *req
	upstream.Model = meta.InferenceProvider.ModelName

	resp, err := provider.Generate(ctx, &upstream)
	if err != nil {
		return nil, meta, err
	}

	count := len(resp.Images)
	if count == 0 {
		count = req.N
	}
	finish := eventbus.ModelEvent{
		Type:     eventbus.EventImageGenerationFinish,
		TenantID: tenant,
		Provider: meta.InferenceProvider.Provider,
		Model:    meta.Model,
		Usage: eventbus.Usage{
			Kind:        "image",
			Quality:     req.Quality,
			Size:        req.Size,
			ImagesCount: count,
			StepsCount:  req.Steps,
			Megapixels:  megapixels(req.Size),
		},
	}
	r.publish(finish)

	return resp, meta, nil
}
