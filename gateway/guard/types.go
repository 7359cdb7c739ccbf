// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package guard implements the Guard Engine: a chain of stateless
// evaluators keyed by guard type. Input guards run before provider
// dispatch and short-circuit on first failure; output guards run against
// the assistant's response and are always all evaluated so their results
// can be reported together.
package guard

import (
	"context"
	"encoding/json"
)

// Stage is when a guard runs relative to provider dispatch.
type Stage string

const (
	StageInput  Stage = "input"
	StageOutput Stage = "output"
	StageBoth   Stage = "both"
)

// Kind discriminates the Guard tagged union.
type Kind string

const (
	KindRegex     Kind = "regex"
	KindSchema    Kind = "schema"
	KindWordCount Kind = "word_count"
	KindLlmJudge  Kind = "llm_judge"
	KindDataset   Kind = "dataset"
	KindPartner   Kind = "partner"
)

// MatchType governs how multiple regex patterns combine.
type MatchType string

const (
	MatchAll  MatchType = "all"
	MatchAny  MatchType = "any"
	MatchNone MatchType = "none"
)

// CountMethod governs how WordCount counts words.
type CountMethod string

const (
	CountSplit CountMethod = "split"
	CountRegex CountMethod = "regex"
)

// Guard is one configured guard: a stable id, display name, evaluation
// stage, and exactly one populated variant selected by Kind.
type Guard struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Stage Stage  `yaml:"stage" json:"stage"`
	Kind  Kind   `yaml:"type" json:"type"`

	Regex     *RegexGuard     `yaml:"regex,omitempty" json:"regex,omitempty"`
	Schema    *SchemaGuard    `yaml:"schema,omitempty" json:"schema,omitempty"`
	WordCount *WordCountGuard `yaml:"word_count,omitempty" json:"word_count,omitempty"`
	LlmJudge  *LlmJudgeGuard  `yaml:"llm_judge,omitempty" json:"llm_judge,omitempty"`
	Dataset   *DatasetGuard   `yaml:"dataset,omitempty" json:"dataset,omitempty"`
	Partner   *PartnerGuard   `yaml:"partner,omitempty" json:"partner,omitempty"`
}

// RegexGuard matches text against a set of patterns.
type RegexGuard struct {
	Patterns  []string  `yaml:"patterns" json:"patterns"`
	MatchType MatchType `yaml:"match_type" json:"match_type"`
}

// SchemaGuard validates text as JSON against a user-defined schema.
type SchemaGuard struct {
	UserDefinedSchema json.RawMessage `yaml:"user_defined_schema" json:"user_defined_schema"`
}

// WordCountGuard bounds a text's word count.
type WordCountGuard struct {
	MinWords    int         `yaml:"min_words" json:"min_words"`
	MaxWords    int         `yaml:"max_words" json:"max_words"`
	CountMethod CountMethod `yaml:"count_method" json:"count_method"`
}

// LlmJudgeGuard delegates the pass/fail decision to a judge model call.
type LlmJudgeGuard struct {
	Model          string          `yaml:"model" json:"model"`
	PromptTemplate string          `yaml:"prompt_template" json:"prompt_template"`
	ResponseSchema json.RawMessage `yaml:"response_schema" json:"response_schema"`
	Threshold      float64         `yaml:"threshold" json:"threshold"`
}

// DatasetGuard flags text whose overlap with a labeled example set clears
// a similarity threshold.
type DatasetGuard struct {
	Threshold float64          `yaml:"threshold" json:"threshold"`
	Examples  []DatasetExample `yaml:"examples,omitempty" json:"examples,omitempty"`
	SourceURI string           `yaml:"source_uri,omitempty" json:"source_uri,omitempty"`
}

// DatasetExample is one labeled example in a Dataset guard's corpus.
type DatasetExample struct {
	Text  string `yaml:"text" json:"text"`
	Label string `yaml:"label" json:"label"`
}

// PartnerGuard delegates evaluation to a third-party moderation vendor.
type PartnerGuard struct {
	Vendor      string `yaml:"vendor" json:"vendor"`
	Credentials string `yaml:"credentials,omitempty" json:"credentials,omitempty"`
}

// ResultKind discriminates the GuardResult tagged union.
type ResultKind string

const (
	ResultBoolean ResultKind = "boolean"
	ResultText    ResultKind = "text"
	ResultJson    ResultKind = "json"
)

// Result is a guard evaluation's outcome.
type Result struct {
	Kind       ResultKind
	Passed     bool
	Confidence *float64
	Text       string
	Schema     json.RawMessage
	GuardID    string
	GuardName  string
	Reason     string
}

// Evaluator is implemented by each guard kind's evaluation logic.
type Evaluator interface {
	Evaluate(ctx context.Context, g *Guard, content string) (*Result, error)
}
