package guard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	return NewEngine(DefaultEvaluators(nil, nil), nil)
}

func regexGuard(id string, stage Stage, pattern string, mt MatchType) Guard {
	return Guard{
		ID: id, Name: id, Stage: stage, Kind: KindRegex,
		Regex: &RegexGuard{Patterns: []string{pattern}, MatchType: mt},
	}
}

func TestEngine_InputShortCircuitsOnFirstFailure(t *testing.T) {
	e := newTestEngine()
	guards := []Guard{
		regexGuard("no-ssn", StageInput, `\d{3}-\d{2}-\d{4}`, MatchNone),
		regexGuard("never-reached", StageInput, `.*`, MatchNone), // would also fail
	}

	res, ok, err := e.EvaluateInput(context.Background(), guards, "my ssn is 123-45-6789")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotNil(t, res)
	assert.Equal(t, "no-ssn", res.GuardID)
}

func TestEngine_InputPassesCleanContent(t *testing.T) {
	e := newTestEngine()
	guards := []Guard{regexGuard("no-ssn", StageInput, `\d{3}-\d{2}-\d{4}`, MatchNone)}

	res, ok, err := e.EvaluateInput(context.Background(), guards, "hello world")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, res)
}

func TestEngine_OutputEvaluatesAllGuards(t *testing.T) {
	e := newTestEngine()
	guards := []Guard{
		regexGuard("fail-1", StageOutput, `.*`, MatchNone),
		regexGuard("fail-2", StageOutput, `.*`, MatchNone),
		regexGuard("pass-1", StageOutput, `.*`, MatchAll),
	}

	results, err := e.EvaluateOutput(context.Background(), guards, "anything")
	require.NoError(t, err)
	assert.Len(t, results, 3)

	first := FirstFailure(results)
	require.NotNil(t, first)
	assert.Equal(t, "fail-1", first.GuardID)
}

func TestEngine_StageFilteringSkipsWrongPhase(t *testing.T) {
	e := newTestEngine()
	guards := []Guard{
		regexGuard("output-only", StageOutput, `.*`, MatchNone),
		regexGuard("both", StageBoth, `forbidden`, MatchNone),
	}

	// Input phase ignores the output-only guard entirely.
	_, ok, err := e.EvaluateInput(context.Background(), guards, "harmless")
	require.NoError(t, err)
	assert.True(t, ok)

	// The stage=both guard also runs in the input phase.
	res, ok, err := e.EvaluateInput(context.Background(), guards, "forbidden word")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "both", res.GuardID)
}

func TestEngine_UnknownKindIsAnError(t *testing.T) {
	e := NewEngine(map[Kind]Evaluator{}, nil)
	guards := []Guard{regexGuard("g", StageInput, `.*`, MatchAll)}

	_, _, err := e.EvaluateInput(context.Background(), guards, "content")
	assert.Error(t, err)
}

func TestLoadTemplates_BundledSetParses(t *testing.T) {
	templates, err := LoadTemplates()
	require.NoError(t, err)
	require.NotEmpty(t, templates)

	ssn, ok := templates["block-ssn"]
	require.True(t, ok)
	assert.Equal(t, KindRegex, ssn.Guard.Kind)
	assert.Equal(t, StageInput, ssn.Guard.Stage)
	require.NotNil(t, ssn.Guard.Regex)
	assert.Equal(t, MatchNone, ssn.Guard.Regex.MatchType)
}
