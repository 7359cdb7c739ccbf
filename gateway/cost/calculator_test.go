package cost

import (
	"testing"

	"github.com/flowgate/gateway/gateway/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *pricing.Catalog {
	t.Helper()
	c, err := pricing.Load()
	require.NoError(t, err)
	return c
}

func TestCalculate_CompletionUsage(t *testing.T) {
	calc := New(testCatalog(t))
	res, err := calc.Calculate("gpt-4o", "openai", Usage{
		Kind:             UsageCompletion,
		PromptTokens:     1000,
		CompletionTokens: 500,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1000*0.0000025+500*0.00001, res.Cost, 1e-12)
}

func TestCalculate_StripsProviderPrefix(t *testing.T) {
	calc := New(testCatalog(t))
	res, err := calc.Calculate("openai/gpt-4o", "openai", Usage{Kind: UsageCompletion, PromptTokens: 10})
	require.NoError(t, err)
	assert.Greater(t, res.Cost, 0.0)
}

func TestCalculate_UnknownModel(t *testing.T) {
	calc := New(testCatalog(t))
	_, err := calc.Calculate("no-such-model", "openai", Usage{Kind: UsageCompletion})
	require.Error(t, err)
	assert.Equal(t, ErrModelNotFound, err.(*Error).Code)
}

func TestCalculate_ImageUsageAgainstCompletionPriceIsCalculationError(t *testing.T) {
	calc := New(testCatalog(t))
	_, err := calc.Calculate("gpt-4o", "openai", Usage{Kind: UsageImage, Size: "1024x1024", Quality: "standard", ImagesCount: 1})
	require.Error(t, err)
	assert.Equal(t, ErrCalculationError, err.(*Error).Code)
}

func TestCalculate_ImageUsageByTypePrice(t *testing.T) {
	calc := New(testCatalog(t))
	res, err := calc.Calculate("dall-e-3", "openai", Usage{
		Kind:        UsageImage,
		Size:        "1024x1024",
		Quality:     "hd",
		ImagesCount: 2,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.08*2, res.Cost, 1e-12)
}

func TestCalculate_CompletionUsageAgainstEmbeddingPriceUsesZeroOutput(t *testing.T) {
	calc := New(testCatalog(t))
	res, err := calc.Calculate("text-embedding-3-small", "openai", Usage{
		Kind:         UsageCompletion,
		PromptTokens: 100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 100*0.00000002, res.Cost, 1e-12)
}
