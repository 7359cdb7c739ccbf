// Package gateway provides a top-level convenience entry point for
// embedding the inference gateway in another Go program with minimal
// boilerplate.
//
// Usage:
//
//	import "github.com/flowgate/gateway"
//
//	rt, err := gateway.New(gateway.WithOpenAIKey(key))
//	rt, err := gateway.New(
//	    gateway.WithCatalogBytes(models),
//	    gateway.WithGuards(guards),
//	)
//
// The returned router serves chat, embedding, and image requests; wrap it
// with httpapi.NewServer to expose the OpenAI-compatible HTTP surface.
package gateway

import (
	"github.com/flowgate/gateway/gateway/eventbus"
	"github.com/flowgate/gateway/gateway/guard"
	"github.com/flowgate/gateway/gateway/pricing"
	"github.com/flowgate/gateway/gateway/router"
	"go.uber.org/zap"
)

// Option configures the router created by [New].
type Option func(*options)

type options struct {
	creds        router.Credentials
	guards       []guard.Guard
	catalogBytes []byte
	logger       *zap.Logger
}

// WithOpenAIKey sets the OpenAI API key.
func WithOpenAIKey(key string) Option {
	return func(o *options) { o.creds.OpenAI.APIKey = key }
}

// WithAnthropicKey sets the Anthropic API key.
func WithAnthropicKey(key string) Option {
	return func(o *options) { o.creds.Anthropic.APIKey = key }
}

// WithGeminiKey sets the Google Gemini API key.
func WithGeminiKey(key string) Option {
	return func(o *options) { o.creds.Gemini.APIKey = key }
}

// WithCredentials sets the full provider credential set.
func WithCredentials(creds router.Credentials) Option {
	return func(o *options) { o.creds = creds }
}

// WithGuards sets the guards evaluated for every request.
func WithGuards(guards []guard.Guard) Option {
	return func(o *options) { o.guards = guards }
}

// WithCatalogBytes supplies a YAML model catalog instead of the bundled
// one.
func WithCatalogBytes(data []byte) Option {
	return func(o *options) { o.catalogBytes = data }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates a router over the bundled catalog (or the one supplied with
// WithCatalogBytes) with the default guard evaluators. It installs no
// limit checker, so admission is never capped, and the event bus it
// publishes to is internal and not returned, so no usage is metered.
func New(opts ...Option) (*router.Router, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	var catalog *pricing.Catalog
	var err error
	if o.catalogBytes != nil {
		catalog, err = pricing.LoadFromBytes(o.catalogBytes)
	} else {
		catalog, err = pricing.Load()
	}
	if err != nil {
		return nil, err
	}

	registry := router.NewRegistry(o.creds, o.logger)
	engine := guard.NewEngine(guard.DefaultEvaluators(nil, nil), o.logger)
	bus := eventbus.New(o.logger)

	return router.New(catalog, registry, engine, nil, bus, router.Config{Guards: o.guards}, o.logger), nil
}
