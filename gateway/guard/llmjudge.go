package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowgate/gateway/llm"
)

// JudgeResponse is the structured verdict a judge model is asked to
// return: a confidence score the guard compares against its threshold.
type JudgeResponse struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// LlmJudgeEvaluator delegates the pass/fail decision to a configured judge
// model, asking it to score the content and comparing the score against
// the guard's threshold.
type LlmJudgeEvaluator struct {
	providers map[string]llm.Provider
}

// NewLlmJudgeEvaluator creates an evaluator that dispatches judge calls by
// model name to the given provider registry (model -> provider that
// serves it).
func NewLlmJudgeEvaluator(providers map[string]llm.Provider) *LlmJudgeEvaluator {
	return &LlmJudgeEvaluator{providers: providers}
}

var _ Evaluator = (*LlmJudgeEvaluator)(nil)

func (e *LlmJudgeEvaluator) Evaluate(ctx context.Context, g *Guard, content string) (*Result, error) {
	if g.LlmJudge == nil {
		return nil, fmt.Errorf("llm_judge guard %q missing llm_judge config", g.ID)
	}

	provider, ok := e.providers[g.LlmJudge.Model]
	if !ok {
		return nil, fmt.Errorf("llm_judge guard %q: no provider registered for model %q", g.ID, g.LlmJudge.Model)
	}

	prompt := strings.ReplaceAll(g.LlmJudge.PromptTemplate, "{{content}}", content)
	resp, err := provider.Completion(ctx, &llm.ChatRequest{
		Model: g.LlmJudge.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Respond with a JSON object: {\"score\": <0..1>, \"reason\": \"...\"}."},
			{Role: llm.RoleUser, Content: prompt},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return nil, fmt.Errorf("llm_judge guard %q: judge call failed: %w", g.ID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm_judge guard %q: judge returned no choices", g.ID)
	}

	var judged JudgeResponse
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &judged); err != nil {
		return nil, fmt.Errorf("llm_judge guard %q: malformed judge response: %w", g.ID, err)
	}

	passed := judged.Score >= g.LlmJudge.Threshold
	confidence := judged.Score

	return &Result{
		Kind:       ResultText,
		Passed:     passed,
		Confidence: &confidence,
		Text:       judged.Reason,
		GuardID:    g.ID,
		GuardName:  g.Name,
		Reason:     fmt.Sprintf("judge score %.3f (threshold %.3f): %s", judged.Score, g.LlmJudge.Threshold, judged.Reason),
	}, nil
}
