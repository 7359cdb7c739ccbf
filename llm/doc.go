// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package llm provides unified LLM provider abstraction.

# Overview

The llm package defines the contract every upstream model provider
adapter implements, plus the shared request/response types the gateway
routes through. It abstracts away provider-specific wire formats so the
routing layer can treat OpenAI, Anthropic, Gemini, Bedrock, and any
OpenAI-compatible endpoint uniformly.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                    HTTP Surface (/v1)                       │
	├─────────────────────────────────────────────────────────────┤
	│                 Router (guards, limits, events)             │
	├─────────────────────────────────────────────────────────────┤
	│  ┌──────────────┐  ┌──────────────────────────────────────┐ │
	│  │    Retry     │  │     Tokenizer (usage estimation)     │ │
	│  └──────────────┘  └──────────────────────────────────────┘ │
	├─────────────────────────────────────────────────────────────┤
	│                    Provider Interface                       │
	├──────────┬───────────┬──────────┬──────────┬───────────────┤
	│  OpenAI  │ Anthropic │  Gemini  │ Bedrock  │  Proxy (any)  │
	└──────────┴───────────┴──────────┴──────────┴───────────────┘

# Provider Interface

The core Provider interface defines the contract for all LLM providers:

	type Provider interface {
	    Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	    Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	    HealthCheck(ctx context.Context) (*HealthStatus, error)
	    Name() string
	    SupportsNativeFunctionCalling() bool
	    ListModels(ctx context.Context) ([]Model, error)
	}

# Usage

	provider := openai.NewOpenAIProvider(providers.OpenAIConfig{
	    BaseProviderConfig: providers.BaseProviderConfig{APIKey: key},
	}, logger)

	resp, err := provider.Completion(ctx, &llm.ChatRequest{
	    Model:    "gpt-4o",
	    Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})

Streaming returns a channel of deltas; cancelling the context aborts the
upstream connection:

	ch, err := provider.Stream(ctx, req)
	for chunk := range ch {
	    if chunk.Err != nil { ... }
	    fmt.Print(chunk.Delta.Content)
	}

# Credential overrides

A per-request credential can be attached to the context and takes
precedence over the provider's configured key:

	ctx = llm.WithCredentialOverride(ctx, llm.CredentialOverride{APIKey: key})

# Sub-packages

  - providers   — shared adapter plumbing plus the per-vendor adapters
  - embedding   — embedding providers (OpenAI, Gemini, Cohere, Jina, Voyage)
  - image       — image generation providers (OpenAI, Gemini, Flux)
  - moderation  — content moderation vendors (OpenAI)
  - tokenizer   — tiktoken-backed counting with estimator fallback
  - middleware  — request rewriter chain applied before dispatch
*/
package llm
