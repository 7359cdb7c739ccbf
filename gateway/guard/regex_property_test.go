package guard

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Regex guards are deterministic: the same guard over the same content
// always yields the same verdict, and MatchAny/MatchNone are exact
// complements for a single pattern.
func TestRegexEvaluator_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	newGuard := func(mt MatchType) *Guard {
		return &Guard{
			ID: "digits", Name: "digits", Stage: StageInput, Kind: KindRegex,
			Regex: &RegexGuard{Patterns: []string{`\d{3}`}, MatchType: mt},
		}
	}

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(content string) bool {
			e := NewRegexEvaluator()
			first, err1 := e.Evaluate(context.Background(), newGuard(MatchNone), content)
			second, err2 := e.Evaluate(context.Background(), newGuard(MatchNone), content)
			if err1 != nil || err2 != nil {
				return false
			}
			return first.Passed == second.Passed
		},
		gen.AnyString(),
	))

	properties.Property("any and none are complements for one pattern", prop.ForAll(
		func(content string) bool {
			e := NewRegexEvaluator()
			anyRes, err1 := e.Evaluate(context.Background(), newGuard(MatchAny), content)
			noneRes, err2 := e.Evaluate(context.Background(), newGuard(MatchNone), content)
			if err1 != nil || err2 != nil {
				return false
			}
			return anyRes.Passed != noneRes.Passed
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
