// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package guard

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Engine runs configured guards against message content, dispatching each
// guard to the evaluator registered for its kind. Guards run in declared
// order. The input phase short-circuits on the first failure; the output
// phase always evaluates every guard so results can be reported together.
type Engine struct {
	evaluators map[Kind]Evaluator
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewEngine creates an Engine with the given evaluator set. Kinds with no
// registered evaluator fail evaluation with an error rather than silently
// passing.
func NewEngine(evaluators map[Kind]Evaluator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		evaluators: evaluators,
		tracer:     otel.Tracer("gateway/guard"),
		logger:     logger.With(zap.String("component", "guard_engine")),
	}
}

// DefaultEvaluators builds the standard evaluator set. The judge-model
// registry and moderation-vendor registry may be nil, in which case
// LlmJudge and Partner guards fail with a configuration error when used.
func DefaultEvaluators(judge *LlmJudgeEvaluator, partner *PartnerEvaluator) map[Kind]Evaluator {
	evs := map[Kind]Evaluator{
		KindRegex:     NewRegexEvaluator(),
		KindSchema:    NewSchemaEvaluator(),
		KindWordCount: NewWordCountEvaluator(),
		KindDataset:   NewDatasetEvaluator(),
	}
	if judge != nil {
		evs[KindLlmJudge] = judge
	}
	if partner != nil {
		evs[KindPartner] = partner
	}
	return evs
}

// appliesTo reports whether a guard participates in the given stage.
func appliesTo(g *Guard, stage Stage) bool {
	return g.Stage == stage || g.Stage == StageBoth
}

// EvaluateInput runs the input-stage guards in declared order against
// content. The first failing result is returned with ok=false and no
// further guards run. A nil result with ok=true means every guard passed.
func (e *Engine) EvaluateInput(ctx context.Context, guards []Guard, content string) (*Result, bool, error) {
	for i := range guards {
		g := &guards[i]
		if !appliesTo(g, StageInput) {
			continue
		}
		res, err := e.evaluate(ctx, g, content)
		if err != nil {
			return nil, false, err
		}
		if !res.Passed {
			return res, false, nil
		}
	}
	return nil, true, nil
}

// EvaluateOutput runs every output-stage guard against content and returns
// all results, passed and failed alike. Evaluation errors abort the run.
func (e *Engine) EvaluateOutput(ctx context.Context, guards []Guard, content string) ([]*Result, error) {
	var results []*Result
	for i := range guards {
		g := &guards[i]
		if !appliesTo(g, StageOutput) {
			continue
		}
		res, err := e.evaluate(ctx, g, content)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// FirstFailure returns the first failed result in a set, or nil if all
// passed.
func FirstFailure(results []*Result) *Result {
	for _, r := range results {
		if r != nil && !r.Passed {
			return r
		}
	}
	return nil
}

// evaluate runs one guard inside a guard_evaluation span carrying the
// guard's identity and outcome as attributes.
func (e *Engine) evaluate(ctx context.Context, g *Guard, content string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "guard_evaluation",
		trace.WithAttributes(
			attribute.String("id", g.ID),
			attribute.String("label", g.Name),
			attribute.String("type", string(g.Kind)),
			attribute.String("user_input", content),
		))
	defer span.End()
	if g.Partner != nil {
		span.SetAttributes(attribute.String("partner", g.Partner.Vendor))
	}

	ev, ok := e.evaluators[g.Kind]
	if !ok {
		err := fmt.Errorf("no evaluator registered for guard kind %q (guard %q)", g.Kind, g.ID)
		span.SetAttributes(attribute.String("error", err.Error()))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res, err := ev.Evaluate(ctx, g, content)
	if err != nil {
		span.SetAttributes(attribute.String("error", err.Error()))
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("guard evaluation failed",
			zap.String("guard_id", g.ID), zap.String("kind", string(g.Kind)), zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Bool("result", res.Passed))
	e.logger.Debug("guard evaluated",
		zap.String("guard_id", g.ID),
		zap.String("kind", string(g.Kind)),
		zap.Bool("passed", res.Passed))
	return res, nil
}
