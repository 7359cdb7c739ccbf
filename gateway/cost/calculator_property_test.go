package cost

import (
	"testing"

	"github.com/flowgate/gateway/gateway/pricing"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const propertyCatalogYAML = `
- model: prop-model
  model_provider: openai
  inference_provider:
    provider: openai
    model_name: prop-model
  price:
    per_input_token: 0.000003
    per_output_token: 0.000012
  type: completions
`

// Completion cost must be additive: splitting a usage record into two and
// summing their costs equals the cost of the combined record.
func TestCalculate_CompletionCostIsAdditive(t *testing.T) {
	catalog, err := pricing.LoadFromBytes([]byte(propertyCatalogYAML))
	require.NoError(t, err)
	calc := New(catalog)

	rapid.Check(t, func(t *rapid.T) {
		promptA := rapid.IntRange(0, 1_000_000).Draw(t, "prompt_a")
		promptB := rapid.IntRange(0, 1_000_000).Draw(t, "prompt_b")
		completionA := rapid.IntRange(0, 1_000_000).Draw(t, "completion_a")
		completionB := rapid.IntRange(0, 1_000_000).Draw(t, "completion_b")

		usage := func(p, c int) Usage {
			return Usage{Kind: UsageCompletion, PromptTokens: p, CompletionTokens: c}
		}

		a, err := calc.Calculate("prop-model", "openai", usage(promptA, completionA))
		require.NoError(t, err)
		b, err := calc.Calculate("prop-model", "openai", usage(promptB, completionB))
		require.NoError(t, err)
		combined, err := calc.Calculate("prop-model", "openai", usage(promptA+promptB, completionA+completionB))
		require.NoError(t, err)

		require.InDelta(t, a.Cost+b.Cost, combined.Cost, 1e-9)
	})
}

// Cost never decreases when tokens increase and is zero for zero usage.
func TestCalculate_CompletionCostIsMonotone(t *testing.T) {
	catalog, err := pricing.LoadFromBytes([]byte(propertyCatalogYAML))
	require.NoError(t, err)
	calc := New(catalog)

	zero, err := calc.Calculate("prop-model", "openai", Usage{Kind: UsageCompletion})
	require.NoError(t, err)
	require.Zero(t, zero.Cost)

	rapid.Check(t, func(t *rapid.T) {
		prompt := rapid.IntRange(0, 1_000_000).Draw(t, "prompt")
		completion := rapid.IntRange(0, 1_000_000).Draw(t, "completion")
		extra := rapid.IntRange(0, 1_000_000).Draw(t, "extra")

		base, err := calc.Calculate("prop-model", "openai",
			Usage{Kind: UsageCompletion, PromptTokens: prompt, CompletionTokens: completion})
		require.NoError(t, err)
		larger, err := calc.Calculate("prop-model", "openai",
			Usage{Kind: UsageCompletion, PromptTokens: prompt + extra, CompletionTokens: completion})
		require.NoError(t, err)

		require.GreaterOrEqual(t, larger.Cost, base.Cost)
	})
}
