package guard

import (
	"context"
	"encoding/json"
	"fmt"
)

// SchemaEvaluator validates content as JSON against a JSON-Schema Draft 7
// document. It implements the subset of Draft 7 that guard configs
// exercise in practice (type, required, properties, enum, items) directly
// against decoded JSON.
type SchemaEvaluator struct{}

func NewSchemaEvaluator() *SchemaEvaluator { return &SchemaEvaluator{} }

var _ Evaluator = (*SchemaEvaluator)(nil)

func (e *SchemaEvaluator) Evaluate(ctx context.Context, g *Guard, content string) (*Result, error) {
	if g.Schema == nil {
		return nil, fmt.Errorf("schema guard %q missing schema config", g.ID)
	}

	var schema map[string]any
	if err := json.Unmarshal(g.Schema.UserDefinedSchema, &schema); err != nil {
		return nil, fmt.Errorf("invalid schema for guard %q: %w", g.ID, err)
	}

	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return &Result{
			Kind:      ResultJson,
			Passed:    false,
			GuardID:   g.ID,
			GuardName: g.Name,
			Reason:    fmt.Sprintf("content is not valid JSON: %v", err),
		}, nil
	}

	if err := validateAgainstSchema(doc, schema); err != nil {
		return &Result{
			Kind:      ResultJson,
			Passed:    false,
			Schema:    g.Schema.UserDefinedSchema,
			GuardID:   g.ID,
			GuardName: g.Name,
			Reason:    err.Error(),
		}, nil
	}

	return &Result{
		Kind:      ResultJson,
		Passed:    true,
		Schema:    g.Schema.UserDefinedSchema,
		GuardID:   g.ID,
		GuardName: g.Name,
	}, nil
}

func validateAgainstSchema(value any, schema map[string]any) error {
	if expected, ok := schema["type"].(string); ok {
		if err := checkType(value, expected); err != nil {
			return err
		}
	}

	if enum, ok := schema["enum"].([]any); ok {
		if !containsValue(enum, value) {
			return fmt.Errorf("value %v not in enum", value)
		}
	}

	obj, isObj := value.(map[string]any)
	if isObj {
		if required, ok := schema["required"].([]any); ok {
			for _, r := range required {
				key, _ := r.(string)
				if _, present := obj[key]; !present {
					return fmt.Errorf("missing required property %q", key)
				}
			}
		}
		if props, ok := schema["properties"].(map[string]any); ok {
			for key, propSchemaAny := range props {
				propSchema, ok := propSchemaAny.(map[string]any)
				if !ok {
					continue
				}
				if v, present := obj[key]; present {
					if err := validateAgainstSchema(v, propSchema); err != nil {
						return fmt.Errorf("property %q: %w", key, err)
					}
				}
			}
		}
	}

	if arr, isArr := value.([]any); isArr {
		if itemSchema, ok := schema["items"].(map[string]any); ok {
			for i, item := range arr {
				if err := validateAgainstSchema(item, itemSchema); err != nil {
					return fmt.Errorf("items[%d]: %w", i, err)
				}
			}
		}
	}

	return nil
}

func checkType(value any, expected string) error {
	switch expected {
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return fmt.Errorf("expected integer, got %v", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case "null":
		if value != nil {
			return fmt.Errorf("expected null, got %T", value)
		}
	}
	return nil
}

func containsValue(haystack []any, needle any) bool {
	needleJSON, _ := json.Marshal(needle)
	for _, v := range haystack {
		vJSON, _ := json.Marshal(v)
		if string(vJSON) == string(needleJSON) {
			return true
		}
	}
	return false
}
