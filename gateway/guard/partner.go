package guard

import (
	"context"
	"fmt"

	"github.com/flowgate/gateway/llm/moderation"
)

// PartnerEvaluator delegates evaluation to a third-party moderation
// vendor registered under the guard's vendor name.
type PartnerEvaluator struct {
	vendors map[string]moderation.ModerationProvider
}

// NewPartnerEvaluator creates an evaluator dispatching by vendor name to
// the given moderation provider registry.
func NewPartnerEvaluator(vendors map[string]moderation.ModerationProvider) *PartnerEvaluator {
	return &PartnerEvaluator{vendors: vendors}
}

var _ Evaluator = (*PartnerEvaluator)(nil)

func (e *PartnerEvaluator) Evaluate(ctx context.Context, g *Guard, content string) (*Result, error) {
	if g.Partner == nil {
		return nil, fmt.Errorf("partner guard %q missing partner config", g.ID)
	}

	vendor, ok := e.vendors[g.Partner.Vendor]
	if !ok {
		return nil, fmt.Errorf("partner guard %q: no moderation vendor registered for %q", g.ID, g.Partner.Vendor)
	}

	resp, err := vendor.Moderate(ctx, &moderation.ModerationRequest{Input: []string{content}})
	if err != nil {
		return nil, fmt.Errorf("partner guard %q: moderation call failed: %w", g.ID, err)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("partner guard %q: empty moderation response", g.ID)
	}

	result := resp.Results[0]
	passed := !result.Flagged
	confidence := result.Scores.MaxScore()

	return &Result{
		Kind:       ResultBoolean,
		Passed:     passed,
		Confidence: &confidence,
		GuardID:    g.ID,
		GuardName:  g.Name,
		Reason:     fmt.Sprintf("vendor=%s flagged=%v", g.Partner.Vendor, result.Flagged),
	}, nil
}
