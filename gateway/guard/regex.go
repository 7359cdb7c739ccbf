package guard

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// RegexEvaluator matches content against one or more compiled patterns.
// One evaluator instance serves every concurrent request, so the pattern
// cache is guarded by a RWMutex.
type RegexEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewRegexEvaluator creates a RegexEvaluator with its own pattern cache.
func NewRegexEvaluator() *RegexEvaluator {
	return &RegexEvaluator{cache: make(map[string]*regexp.Regexp)}
}

var _ Evaluator = (*RegexEvaluator)(nil)

func (e *RegexEvaluator) compile(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.cache[pattern]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}

	e.mu.Lock()
	e.cache[pattern] = re
	e.mu.Unlock()
	return re, nil
}

// Evaluate reports whether content satisfies the guard's match type:
// all patterns must match (MatchAll), any one must match (MatchAny), or
// none may match (MatchNone).
func (e *RegexEvaluator) Evaluate(ctx context.Context, g *Guard, content string) (*Result, error) {
	if g.Regex == nil {
		return nil, fmt.Errorf("regex guard %q missing regex config", g.ID)
	}

	matched := 0
	for _, pattern := range g.Regex.Patterns {
		re, err := e.compile(pattern)
		if err != nil {
			return nil, err
		}
		if re.MatchString(content) {
			matched++
		}
	}

	var passed bool
	switch g.Regex.MatchType {
	case MatchAll:
		passed = matched == len(g.Regex.Patterns)
	case MatchAny:
		passed = matched > 0
	case MatchNone:
		passed = matched == 0
	default:
		return nil, fmt.Errorf("unknown match type %q for guard %q", g.Regex.MatchType, g.ID)
	}

	return &Result{
		Kind:      ResultBoolean,
		Passed:    passed,
		GuardID:   g.ID,
		GuardName: g.Name,
		Reason:    fmt.Sprintf("%d/%d patterns matched (match_type=%s)", matched, len(g.Regex.Patterns), g.Regex.MatchType),
	}, nil
}
