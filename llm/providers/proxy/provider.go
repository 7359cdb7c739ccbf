// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package proxy implements the user-configured provider: any
// OpenAI-compatible base URL named by a model's inference endpoint. All
// wire handling is inherited from the openaicompat base; this package only
// binds the provider's name and endpoint.
package proxy

import (
	"time"

	"github.com/flowgate/gateway/llm/providers/openaicompat"
	"go.uber.org/zap"
)

// Config names a proxied provider and where it lives.
type Config struct {
	// Name is the provider identifier models reference (e.g. "my-vllm").
	Name string `json:"name" yaml:"name"`
	// Endpoint is the OpenAI-compatible base URL.
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	APIKey   string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Provider is an openaicompat provider pointed at a user-supplied endpoint.
type Provider struct {
	*openaicompat.Provider
}

// New creates a proxied provider for the given endpoint.
func New(cfg Config, logger *zap.Logger) *Provider {
	return &Provider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName: cfg.Name,
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.Endpoint,
			Timeout:      cfg.Timeout,
		}, logger),
	}
}
