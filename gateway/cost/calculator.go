// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package cost implements the Cost Calculator: converting a token/image
// usage record plus a catalog price into a dollar cost.
package cost

import (
	"fmt"
	"strings"

	"github.com/flowgate/gateway/gateway/pricing"
)

// ErrorCode discriminates the Cost Calculator's two failure modes.
type ErrorCode string

const (
	ErrModelNotFound   ErrorCode = "MODEL_NOT_FOUND"
	ErrCalculationError ErrorCode = "CALCULATION_ERROR"
)

// Error is the Cost Calculator's error type.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("[%s] %s", e.Code, e.Message) }

// UsageKind discriminates the Usage tagged union.
type UsageKind string

const (
	UsageCompletion UsageKind = "completion"
	UsageImage      UsageKind = "image"
)

// Usage is a completion or image generation usage record.
type Usage struct {
	Kind UsageKind

	// Completion fields.
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	// Image fields.
	Quality     string
	Size        string
	ImagesCount int
	StepsCount  int
	Megapixels  float64
}

// Result is the cost calculation's output.
type Result struct {
	Cost           float64
	PerInputToken  float64
	PerOutputToken float64
	PerImageCost   *float64
}

// Calculator computes cost from a model/provider identifier and usage
// record, against a loaded pricing.Catalog.
type Calculator struct {
	catalog           *pricing.Catalog
	defaultInputCost  float64
	defaultOutputCost float64
	defaultImageCost  float64
}

// New creates a Calculator backed by the given catalog. Default per-token
// costs are used when a model's price is absent entirely (not merely a
// variant mismatch, which is a CalculationError), mirroring the source's
// GatewayCostCalculator defaults of zero.
func New(catalog *pricing.Catalog) *Calculator {
	return &Calculator{catalog: catalog}
}

// Calculate computes cost for modelID against provider, dispatching on the
// usage variant.
func (c *Calculator) Calculate(modelID, provider string, usage Usage) (*Result, error) {
	modelName := modelID
	if prefix := provider + "/"; strings.HasPrefix(modelName, prefix) {
		modelName = strings.TrimPrefix(modelName, prefix)
	}

	model, ok := c.catalog.Lookup(provider, modelName)
	if !ok {
		return nil, &Error{Code: ErrModelNotFound, Message: fmt.Sprintf("model not found: %s/%s", provider, modelName)}
	}

	switch usage.Kind {
	case UsageImage:
		if model.Price.Kind != pricing.PriceImageGeneration {
			return nil, &Error{Code: ErrCalculationError, Message: "model pricing is not image pricing"}
		}
		return c.calculateImage(model.Price.ImageGeneration, usage), nil

	case UsageCompletion:
		inputPrice, outputPrice, err := completionRates(model.Price, c.defaultInputCost, c.defaultOutputCost)
		if err != nil {
			return nil, err
		}
		return &Result{
			Cost:           float64(usage.PromptTokens)*inputPrice + float64(usage.CompletionTokens)*outputPrice,
			PerInputToken:  inputPrice,
			PerOutputToken: outputPrice,
		}, nil

	default:
		return nil, &Error{Code: ErrCalculationError, Message: fmt.Sprintf("unknown usage kind: %s", usage.Kind)}
	}
}

// completionRates resolves the per-token rates for a completion usage
// record. Embedding prices are accepted with a zero output rate (embedding
// models have no completion tokens); image prices are rejected.
func completionRates(price pricing.ModelPrice, defaultInput, defaultOutput float64) (input, output float64, err error) {
	switch price.Kind {
	case pricing.PriceCompletion:
		return price.Completion.PerInputToken, price.Completion.PerOutputToken, nil
	case pricing.PriceEmbedding:
		return price.Embedding.PerInputToken, 0, nil
	case pricing.PriceImageGeneration:
		return 0, 0, &Error{Code: ErrCalculationError, Message: "model pricing not supported for completion usage"}
	default:
		return defaultInput, defaultOutput, nil
	}
}

func (c *Calculator) calculateImage(price *pricing.ImageGenerationPrice, usage Usage) *Result {
	if price.TypePrices != nil {
		if bySize, ok := price.TypePrices[usage.Size]; ok {
			if perImage, ok := bySize[usage.Quality]; ok {
				cost := perImage * float64(usage.ImagesCount)
				return &Result{Cost: cost, PerImageCost: &perImage}
			}
		}
	}
	if price.MPPrice != nil {
		cost := *price.MPPrice * usage.Megapixels * float64(usage.ImagesCount)
		return &Result{Cost: cost, PerImageCost: price.MPPrice}
	}
	cost := c.defaultImageCost * float64(usage.ImagesCount)
	return &Result{Cost: cost, PerImageCost: &c.defaultImageCost}
}
