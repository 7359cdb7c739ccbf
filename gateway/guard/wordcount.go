package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var wordSplitPattern = regexp.MustCompile(`\S+`)

// WordCountEvaluator bounds a text's word count using either a whitespace
// split or a \S+ regex count. The two diverge on unicode whitespace edge
// cases, which is why both methods are exposed rather than unified.
type WordCountEvaluator struct{}

func NewWordCountEvaluator() *WordCountEvaluator { return &WordCountEvaluator{} }

var _ Evaluator = (*WordCountEvaluator)(nil)

func (e *WordCountEvaluator) Evaluate(ctx context.Context, g *Guard, content string) (*Result, error) {
	if g.WordCount == nil {
		return nil, fmt.Errorf("word_count guard %q missing word_count config", g.ID)
	}

	var count int
	switch g.WordCount.CountMethod {
	case CountRegex:
		count = len(wordSplitPattern.FindAllString(content, -1))
	case CountSplit, "":
		count = len(strings.Fields(content))
	default:
		return nil, fmt.Errorf("unknown count method %q for guard %q", g.WordCount.CountMethod, g.ID)
	}

	passed := count >= g.WordCount.MinWords && (g.WordCount.MaxWords == 0 || count <= g.WordCount.MaxWords)

	return &Result{
		Kind:      ResultBoolean,
		Passed:    passed,
		GuardID:   g.ID,
		GuardName: g.Name,
		Reason:    fmt.Sprintf("word count %d (min=%d, max=%d)", count, g.WordCount.MinWords, g.WordCount.MaxWords),
	}, nil
}
