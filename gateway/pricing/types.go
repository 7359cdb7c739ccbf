// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package pricing implements the Pricing Catalog: an in-memory lookup from
// (provider, model) to price schedule and capability metadata, loaded from
// an embedded YAML bundle and optionally overridden by a user file.
package pricing

// ModelType categorizes what a model does.
type ModelType string

const (
	ModelTypeCompletion      ModelType = "completions"
	ModelTypeEmbedding       ModelType = "embedding"
	ModelTypeImageGeneration ModelType = "image_generation"
)

// PriceKind discriminates the ModelPrice tagged union.
type PriceKind string

const (
	PriceCompletion      PriceKind = "completion"
	PriceEmbedding       PriceKind = "embedding"
	PriceImageGeneration PriceKind = "image_generation"
)

// ModelPrice is a tagged union over the three billable shapes a model can
// have. Exactly one of the embedded price structs is populated, selected by
// Kind.
type ModelPrice struct {
	Kind            PriceKind             `yaml:"-" json:"kind"`
	Completion      *CompletionModelPrice `yaml:"completion,omitempty" json:"completion,omitempty"`
	Embedding       *EmbeddingModelPrice  `yaml:"embedding,omitempty" json:"embedding,omitempty"`
	ImageGeneration *ImageGenerationPrice `yaml:"image_generation,omitempty" json:"image_generation,omitempty"`
}

// CompletionModelPrice prices per-token usage for chat/completion models.
type CompletionModelPrice struct {
	PerInputToken  float64 `yaml:"per_input_token" json:"per_input_token"`
	PerOutputToken float64 `yaml:"per_output_token" json:"per_output_token"`
	ValidFrom      string  `yaml:"valid_from,omitempty" json:"valid_from,omitempty"`
}

// EmbeddingModelPrice prices per-input-token usage for embedding models.
type EmbeddingModelPrice struct {
	PerInputToken float64 `yaml:"per_input_token" json:"per_input_token"`
	ValidFrom     string  `yaml:"valid_from,omitempty" json:"valid_from,omitempty"`
}

// ImageGenerationPrice prices image generation, either by an explicit
// size/quality price table or a flat per-megapixel rate.
type ImageGenerationPrice struct {
	TypePrices map[string]map[string]float64 `yaml:"type_prices,omitempty" json:"type_prices,omitempty"`
	MPPrice    *float64                      `yaml:"mp_price,omitempty" json:"mp_price,omitempty"`
	ValidFrom  string                        `yaml:"valid_from,omitempty" json:"valid_from,omitempty"`
}

// InferenceProvider identifies which adapter serves a model and the name
// the upstream API expects, which may differ from the catalog's model id.
type InferenceProvider struct {
	Provider  string `yaml:"provider" json:"provider"`
	ModelName string `yaml:"model_name" json:"model_name"`
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// Limits bounds what a model will accept.
type Limits struct {
	MaxContextSize int `yaml:"max_context_size,omitempty" json:"max_context_size,omitempty"`
}

// ModelMetadata is one catalog entry: a model's identity, pricing,
// capabilities, and limits.
type ModelMetadata struct {
	Model             string            `yaml:"model" json:"model"`
	ModelProvider     string            `yaml:"model_provider" json:"model_provider"`
	InferenceProvider InferenceProvider `yaml:"inference_provider" json:"inference_provider"`
	Price             ModelPrice        `yaml:"price" json:"price"`
	InputFormats      []string          `yaml:"input_formats,omitempty" json:"input_formats,omitempty"`
	OutputFormats     []string          `yaml:"output_formats,omitempty" json:"output_formats,omitempty"`
	Capabilities      []string          `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Type              ModelType         `yaml:"type" json:"type"`
	Limits            Limits            `yaml:"limits,omitempty" json:"limits,omitempty"`
	Description       string            `yaml:"description,omitempty" json:"description,omitempty"`
}

// UnmarshalYAML implements the tagged-union decode for ModelPrice: the YAML
// shape carries exactly one of the three price kinds, keyed by the field
// present rather than an explicit discriminator, mirroring the source
// format's untagged enum.
func (p *ModelPrice) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		PerInputToken  *float64                      `yaml:"per_input_token"`
		PerOutputToken *float64                      `yaml:"per_output_token"`
		TypePrices     map[string]map[string]float64 `yaml:"type_prices"`
		MPPrice        *float64                      `yaml:"mp_price"`
		ValidFrom      string                        `yaml:"valid_from"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	switch {
	case raw.TypePrices != nil || raw.MPPrice != nil:
		p.Kind = PriceImageGeneration
		p.ImageGeneration = &ImageGenerationPrice{
			TypePrices: raw.TypePrices,
			MPPrice:    raw.MPPrice,
			ValidFrom:  raw.ValidFrom,
		}
	case raw.PerOutputToken != nil:
		p.Kind = PriceCompletion
		p.Completion = &CompletionModelPrice{
			PerInputToken:  derefOr(raw.PerInputToken, 0),
			PerOutputToken: derefOr(raw.PerOutputToken, 0),
			ValidFrom:      raw.ValidFrom,
		}
	default:
		p.Kind = PriceEmbedding
		p.Embedding = &EmbeddingModelPrice{
			PerInputToken: derefOr(raw.PerInputToken, 0),
			ValidFrom:     raw.ValidFrom,
		}
	}
	return nil
}

func derefOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
