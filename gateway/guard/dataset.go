package guard

import (
	"context"
	"fmt"
	"strings"
)

// DatasetEvaluator flags content whose whitespace-token overlap with any
// labeled example clears the guard's similarity threshold, adopting that
// example's label as the reason. Overlap is a symmetric Jaccard-style
// ratio over token sets — simple, dependency-free, and good enough for
// catching near-duplicate or templated abuse content.
type DatasetEvaluator struct{}

func NewDatasetEvaluator() *DatasetEvaluator { return &DatasetEvaluator{} }

var _ Evaluator = (*DatasetEvaluator)(nil)

func (e *DatasetEvaluator) Evaluate(ctx context.Context, g *Guard, content string) (*Result, error) {
	if g.Dataset == nil {
		return nil, fmt.Errorf("dataset guard %q missing dataset config", g.ID)
	}

	contentTokens := tokenSet(content)

	var bestScore float64
	var bestLabel string
	for _, ex := range g.Dataset.Examples {
		score := overlap(contentTokens, tokenSet(ex.Text))
		if score > bestScore {
			bestScore = score
			bestLabel = ex.Label
		}
	}

	passed := bestScore < g.Dataset.Threshold
	confidence := bestScore

	reason := fmt.Sprintf("best overlap %.3f (threshold %.3f)", bestScore, g.Dataset.Threshold)
	if !passed {
		reason = fmt.Sprintf("%s, adopted label %q", reason, bestLabel)
	}

	return &Result{
		Kind:       ResultBoolean,
		Passed:     passed,
		Confidence: &confidence,
		GuardID:    g.ID,
		GuardName:  g.Name,
		Reason:     reason,
	}, nil
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
