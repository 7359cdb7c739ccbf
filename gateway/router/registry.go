// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowgate/gateway/gateway/pricing"
	"github.com/flowgate/gateway/llm"
	"github.com/flowgate/gateway/llm/embedding"
	"github.com/flowgate/gateway/llm/image"
	"github.com/flowgate/gateway/llm/providers"
	claude "github.com/flowgate/gateway/llm/providers/anthropic"
	"github.com/flowgate/gateway/llm/providers/bedrock"
	"github.com/flowgate/gateway/llm/providers/gemini"
	"github.com/flowgate/gateway/llm/providers/openai"
	"github.com/flowgate/gateway/llm/providers/proxy"
	"go.uber.org/zap"
)

// ImageProvider is the subset of the image package's provider surface the
// gateway dispatches to.
type ImageProvider interface {
	Name() string
	Generate(ctx context.Context, req *image.GenerateRequest) (*image.GenerateResponse, error)
}

// Credentials carries per-provider API keys from configuration. The
// specialty keys serve embedding and image vendors that have no chat
// surface.
type Credentials struct {
	OpenAI    providers.OpenAIConfig
	Anthropic providers.ClaudeConfig
	Gemini    providers.GeminiConfig
	Bedrock   providers.BedrockConfig

	CohereAPIKey string
	JinaAPIKey   string
	VoyageAPIKey string
	FluxAPIKey   string
}

// retryPolicy is the transient-failure policy applied to every chat
// provider: two retries with 250ms then 1s backoff.
var retryPolicy = providers.RetryConfig{
	MaxRetries:    2,
	InitialDelay:  250 * time.Millisecond,
	MaxDelay:      time.Second,
	BackoffFactor: 4.0,
	RetryableOnly: true,
}

// Registry lazily constructs and caches provider adapters per catalog
// entry. Built-in providers (openai, anthropic, gemini, bedrock) resolve
// by name; any other provider with an inference endpoint becomes a proxied
// OpenAI-compatible adapter.
type Registry struct {
	creds  Credentials
	logger *zap.Logger

	mu    sync.Mutex
	chat  map[string]llm.Provider
	embed map[string]embedding.Provider
	image map[string]ImageProvider
}

// NewRegistry creates a Registry with the given provider credentials.
func NewRegistry(creds Credentials, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		creds:  creds,
		logger: logger,
		chat:   make(map[string]llm.Provider),
		embed:  make(map[string]embedding.Provider),
		image:  make(map[string]ImageProvider),
	}
}

// chatKey distinguishes proxied endpoints sharing a provider name.
func chatKey(meta *pricing.ModelMetadata) string {
	return meta.InferenceProvider.Provider + "|" + meta.InferenceProvider.Endpoint
}

// ChatProvider returns the completion adapter serving a catalog entry,
// wrapped with the standard retry policy.
func (r *Registry) ChatProvider(meta *pricing.ModelMetadata) (llm.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := chatKey(meta)
	if p, ok := r.chat[key]; ok {
		return p, nil
	}

	var inner llm.Provider
	switch meta.InferenceProvider.Provider {
	case "openai":
		inner = openai.NewOpenAIProvider(r.creds.OpenAI, r.logger)
	case "anthropic":
		inner = claude.NewClaudeProvider(r.creds.Anthropic, r.logger)
	case "gemini":
		inner = gemini.NewGeminiProvider(r.creds.Gemini, r.logger)
	case "bedrock":
		inner = bedrock.NewBedrockProvider(r.creds.Bedrock, r.logger)
	default:
		if meta.InferenceProvider.Endpoint == "" {
			return nil, fmt.Errorf("provider %q has no inference endpoint configured", meta.InferenceProvider.Provider)
		}
		inner = proxy.New(proxy.Config{
			Name:     meta.InferenceProvider.Provider,
			Endpoint: meta.InferenceProvider.Endpoint,
		}, r.logger)
	}

	p := llm.Provider(providers.NewRetryableProvider(inner, retryPolicy, r.logger))
	r.chat[key] = p
	return p, nil
}

// EmbeddingProvider returns the embedding adapter serving a catalog entry.
func (r *Registry) EmbeddingProvider(meta *pricing.ModelMetadata) (embedding.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := chatKey(meta)
	if p, ok := r.embed[key]; ok {
		return p, nil
	}

	var p embedding.Provider
	switch meta.InferenceProvider.Provider {
	case "openai":
		p = embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey: r.creds.OpenAI.APIKey,
			Model:  meta.InferenceProvider.ModelName,
		})
	case "gemini":
		p = embedding.NewGeminiProvider(embedding.GeminiConfig{
			APIKey: r.creds.Gemini.APIKey,
			Model:  meta.InferenceProvider.ModelName,
		})
	case "cohere":
		p = embedding.NewCohereProvider(embedding.CohereConfig{
			APIKey: r.creds.CohereAPIKey,
			Model:  meta.InferenceProvider.ModelName,
		})
	case "jina":
		p = embedding.NewJinaProvider(embedding.JinaConfig{
			APIKey: r.creds.JinaAPIKey,
			Model:  meta.InferenceProvider.ModelName,
		})
	case "voyage":
		p = embedding.NewVoyageProvider(embedding.VoyageConfig{
			APIKey: r.creds.VoyageAPIKey,
			Model:  meta.InferenceProvider.ModelName,
		})
	default:
		if meta.InferenceProvider.Endpoint == "" {
			return nil, fmt.Errorf("provider %q does not serve embeddings", meta.InferenceProvider.Provider)
		}
		p = embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			BaseURL: meta.InferenceProvider.Endpoint,
			Model:   meta.InferenceProvider.ModelName,
		})
	}

	r.embed[key] = p
	return p, nil
}

// ImageGenProvider returns the image-generation adapter serving a catalog
// entry.
func (r *Registry) ImageGenProvider(meta *pricing.ModelMetadata) (ImageProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := chatKey(meta)
	if p, ok := r.image[key]; ok {
		return p, nil
	}

	var p ImageProvider
	switch meta.InferenceProvider.Provider {
	case "openai":
		p = image.NewOpenAIProvider(image.OpenAIConfig{
			APIKey: r.creds.OpenAI.APIKey,
			Model:  meta.InferenceProvider.ModelName,
		})
	case "gemini":
		p = image.NewGeminiProvider(image.GeminiConfig{
			APIKey: r.creds.Gemini.APIKey,
			Model:  meta.InferenceProvider.ModelName,
		})
	case "flux":
		p = image.NewFluxProvider(image.FluxConfig{
			APIKey: r.creds.FluxAPIKey,
			Model:  meta.InferenceProvider.ModelName,
		})
	default:
		if meta.InferenceProvider.Endpoint == "" {
			return nil, fmt.Errorf("provider %q does not serve image generation", meta.InferenceProvider.Provider)
		}
		p = image.NewOpenAIProvider(image.OpenAIConfig{
			BaseURL: meta.InferenceProvider.Endpoint,
			Model:   meta.InferenceProvider.ModelName,
		})
	}

	r.image[key] = p
	return p, nil
}

// RegisterChatProvider installs a pre-built chat adapter for a provider
// name, primarily for tests and for judge-model wiring.
func (r *Registry) RegisterChatProvider(name string, p llm.Provider) {
	r.RegisterChatProviderForEndpoint(name, "", p)
}

// RegisterChatProviderForEndpoint installs a pre-built chat adapter under
// an explicit provider/endpoint cache key.
func (r *Registry) RegisterChatProviderForEndpoint(name, endpoint string, p llm.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat[name+"|"+endpoint] = p
}
