// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/flowgate/gateway/llm"
)

// toChatRequest maps an OpenAI-schema request to the unified request the
// adapters speak. Unmappable content parts (audio, unknown types) are
// rejected as unsupported input.
func toChatRequest(req *ChatCompletionRequest) (*llm.ChatRequest, error) {
	messages := make([]llm.Message, 0, len(req.Messages))
	for i := range req.Messages {
		m, err := toMessage(&req.Messages[i])
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	out := &llm.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        parseStop(req.Stop),
		ToolChoice:  parseToolChoice(req.ToolChoice),
	}

	for _, t := range req.Tools {
		if t.Type != "function" {
			return nil, &llm.Error{
				Code:       llm.ErrUnsupportedInput,
				Message:    fmt.Sprintf("unsupported tool type %q", t.Type),
				HTTPStatus: http.StatusBadRequest,
			}
		}
		out.Tools = append(out.Tools, llm.ToolSchema{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	return out, nil
}

func toMessage(m *ChatMessage) (llm.Message, error) {
	out := llm.Message{
		Role:       llm.Role(m.Role),
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}

	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	if len(m.Content) == 0 {
		return out, nil
	}

	// Content is either a plain string or an array of typed parts.
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		out.Content = text
		return out, nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return out, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    "message content must be a string or a content-part array",
			HTTPStatus: http.StatusBadRequest,
		}
	}

	var texts []string
	for _, p := range parts {
		switch p.Type {
		case "text":
			texts = append(texts, p.Text)
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			img := llm.ImageContent{Type: "url", URL: p.ImageURL.URL}
			if data, ok := strings.CutPrefix(p.ImageURL.URL, "data:"); ok {
				if _, b64, found := strings.Cut(data, ","); found {
					img = llm.ImageContent{Type: "base64", Data: b64}
				}
			}
			out.Images = append(out.Images, img)
		default:
			return out, &llm.Error{
				Code:       llm.ErrUnsupportedInput,
				Message:    fmt.Sprintf("unsupported content part type %q", p.Type),
				HTTPStatus: http.StatusBadRequest,
			}
		}
	}
	out.Content = strings.Join(texts, "\n")
	return out, nil
}

// parseStop accepts OpenAI's string-or-array stop field.
func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

// parseToolChoice flattens OpenAI's string-or-object tool_choice into the
// unified string form ("auto", "none", "required", or a function name).
func parseToolChoice(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return obj.Function.Name
	}
	return ""
}

// fromMessage maps a unified message back to the wire.
func fromMessage(m llm.Message) *ChatMessage {
	out := &ChatMessage{Role: string(m.Role), ToolCallID: m.ToolCallID, Name: m.Name}
	if m.Content != "" || len(m.ToolCalls) == 0 {
		content, _ := json.Marshal(m.Content)
		out.Content = content
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	return out
}

// parseEmbeddingInput accepts OpenAI's string-or-array input field.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	return nil, &llm.Error{
		Code:       llm.ErrInvalidRequest,
		Message:    "input must be a string or an array of strings",
		HTTPStatus: http.StatusBadRequest,
	}
}
