// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/flowgate/gateway/internal/tlsutil"
	"github.com/flowgate/gateway/llm"
	"github.com/flowgate/gateway/llm/middleware"
	"github.com/flowgate/gateway/llm/providers"
	"go.uber.org/zap"
)

// BedrockProvider implements llm.Provider against the AWS Bedrock Runtime
// Converse and ConverseStream APIs. Requests are SigV4-signed; streaming
// responses arrive as binary event stream frames rather than SSE.
type BedrockProvider struct {
	cfg           providers.BedrockConfig
	client        *http.Client
	creds         *credentialResolver
	logger        *zap.Logger
	rewriterChain *middleware.RewriterChain
}

// NewBedrockProvider creates a Bedrock provider. The region falls back to
// AWS_DEFAULT_REGION, then us-east-1.
func NewBedrockProvider(cfg providers.BedrockConfig, logger *zap.Logger) *BedrockProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := tlsutil.SecureHTTPClient(timeout)
	return &BedrockProvider{
		cfg:    cfg,
		client: client,
		creds:  newCredentialResolver(cfg, client),
		logger: logger,
		rewriterChain: middleware.NewRewriterChain(
			middleware.NewEmptyToolsCleaner(),
		),
	}
}

var _ llm.Provider = (*BedrockProvider)(nil)

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) SupportsNativeFunctionCalling() bool { return true }

// HealthCheck verifies credentials resolve; Bedrock has no cheap
// unauthenticated liveness endpoint.
func (p *BedrockProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	_, err := p.creds.resolve(ctx)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels is unsupported; the model catalog is configuration-driven.
func (p *BedrockProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return nil, nil
}

func (p *BedrockProvider) endpoint(modelID string, stream bool) string {
	host := p.cfg.BaseURL
	if host == "" {
		host = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", p.cfg.Region)
	}
	op := "converse"
	if stream {
		op = "converse-stream"
	}
	return fmt.Sprintf("%s/model/%s/%s", strings.TrimRight(host, "/"), modelID, op)
}

// --- Converse wire types ---

type converseContentBlock struct {
	Text       string              `json:"text,omitempty"`
	Image      *converseImage      `json:"image,omitempty"`
	ToolUse    *converseToolUse    `json:"toolUse,omitempty"`
	ToolResult *converseToolResult `json:"toolResult,omitempty"`
}

type converseImage struct {
	Format string `json:"format"`
	Source struct {
		Bytes string `json:"bytes"`
	} `json:"source"`
}

type converseToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type converseToolResult struct {
	ToolUseID string                 `json:"toolUseId"`
	Content   []converseContentBlock `json:"content"`
}

type converseMessage struct {
	Role    string                 `json:"role"`
	Content []converseContentBlock `json:"content"`
}

type converseRequest struct {
	Messages        []converseMessage      `json:"messages"`
	System          []converseContentBlock `json:"system,omitempty"`
	InferenceConfig *converseInference     `json:"inferenceConfig,omitempty"`
	ToolConfig      *converseToolConfig    `json:"toolConfig,omitempty"`
}

type converseInference struct {
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type converseToolConfig struct {
	Tools []converseTool `json:"tools"`
}

type converseTool struct {
	ToolSpec converseToolSpec `json:"toolSpec"`
}

type converseToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema struct {
		JSON json.RawMessage `json:"json"`
	} `json:"inputSchema"`
}

type converseUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

type converseResponse struct {
	Output struct {
		Message converseMessage `json:"message"`
	} `json:"output"`
	StopReason string        `json:"stopReason"`
	Usage      converseUsage `json:"usage"`
}

// convertMessages maps unified messages to Converse's alternating
// user/assistant shape. System messages are lifted into the request-level
// system blocks; tool results become user-role toolResult blocks.
func convertMessages(messages []llm.Message) (system []converseContentBlock, out []converseMessage, err error) {
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, converseContentBlock{Text: m.Content})

		case llm.RoleTool:
			out = append(out, converseMessage{
				Role: "user",
				Content: []converseContentBlock{{
					ToolResult: &converseToolResult{
						ToolUseID: m.ToolCallID,
						Content:   []converseContentBlock{{Text: m.Content}},
					},
				}},
			})

		case llm.RoleUser, llm.RoleAssistant:
			var blocks []converseContentBlock
			if m.Content != "" {
				blocks = append(blocks, converseContentBlock{Text: m.Content})
			}
			for _, img := range m.Images {
				if img.Type != "base64" {
					return nil, nil, &llm.Error{
						Code:       llm.ErrUnsupportedInput,
						Message:    "bedrock requires base64 image content, URL images are not supported",
						HTTPStatus: http.StatusBadRequest,
						Provider:   "bedrock",
					}
				}
				block := converseContentBlock{Image: &converseImage{Format: "png"}}
				block.Image.Source.Bytes = img.Data
				blocks = append(blocks, block)
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, converseContentBlock{
					ToolUse: &converseToolUse{ToolUseID: tc.ID, Name: tc.Name, Input: tc.Arguments},
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, converseContentBlock{Text: ""})
			}
			out = append(out, converseMessage{Role: string(m.Role), Content: blocks})

		default:
			return nil, nil, &llm.Error{
				Code:       llm.ErrUnsupportedInput,
				Message:    fmt.Sprintf("unsupported message role %q", m.Role),
				HTTPStatus: http.StatusBadRequest,
				Provider:   "bedrock",
			}
		}
	}
	return system, out, nil
}

func convertTools(tools []llm.ToolSchema) *converseToolConfig {
	if len(tools) == 0 {
		return nil
	}
	cfg := &converseToolConfig{Tools: make([]converseTool, 0, len(tools))}
	for _, t := range tools {
		spec := converseToolSpec{Name: t.Name, Description: t.Description}
		schema := t.Parameters
		if len(schema) == 0 || string(schema) == "null" {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		spec.InputSchema.JSON = schema
		cfg.Tools = append(cfg.Tools, converseTool{ToolSpec: spec})
	}
	return cfg
}

func (p *BedrockProvider) buildRequest(req *llm.ChatRequest) (*converseRequest, error) {
	system, messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	out := &converseRequest{
		Messages:   messages,
		System:     system,
		ToolConfig: convertTools(req.Tools),
	}
	if req.MaxTokens > 0 || req.Temperature > 0 || req.TopP > 0 || len(req.Stop) > 0 {
		out.InferenceConfig = &converseInference{
			MaxTokens:     req.MaxTokens,
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			StopSequences: req.Stop,
		}
	}
	return out, nil
}

// do signs and sends one Converse request for the given model.
func (p *BedrockProvider) do(ctx context.Context, req *llm.ChatRequest, stream bool) (*http.Response, error) {
	body, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	model := providers.ChooseModel(req, p.cfg.Model, "")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(model, stream), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	creds, err := p.creds.resolve(ctx)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrAuthentication,
			Message:    err.Error(),
			HTTPStatus: http.StatusUnauthorized,
			Provider:   p.Name(),
		}
	}
	signV4(httpReq, creds, "bedrock", p.cfg.Region, hexSHA256(payload), time.Now())

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}
	return resp, nil
}

// Completion performs a non-streaming Converse call.
func (p *BedrockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	rewritten, err := p.rewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: fmt.Sprintf("request rewrite failed: %v", err),
			HTTPStatus: http.StatusBadRequest, Provider: p.Name(),
		}
	}
	req = rewritten

	resp, err := p.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr converseResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}

	msg := llm.Message{Role: llm.RoleAssistant}
	for _, block := range cr.Output.Message.Content {
		if block.Text != "" {
			msg.Content += block.Text
		}
		if block.ToolUse != nil {
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        block.ToolUse.ToolUseID,
				Name:      block.ToolUse.Name,
				Arguments: block.ToolUse.Input,
			})
		}
	}

	return &llm.ChatResponse{
		Provider: p.Name(),
		Model:    providers.ChooseModel(req, p.cfg.Model, ""),
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: mapStopReason(cr.StopReason),
			Message:      msg,
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     cr.Usage.InputTokens,
			CompletionTokens: cr.Usage.OutputTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		},
		CreatedAt: time.Now(),
	}, nil
}

// --- streaming event payloads ---

type streamContentBlockStart struct {
	ContentBlockIndex int `json:"contentBlockIndex"`
	Start             struct {
		ToolUse *converseToolUse `json:"toolUse"`
	} `json:"start"`
}

type streamContentBlockDelta struct {
	ContentBlockIndex int `json:"contentBlockIndex"`
	Delta             struct {
		Text    string `json:"text"`
		ToolUse *struct {
			Input string `json:"input"`
		} `json:"toolUse"`
	} `json:"delta"`
}

type streamMessageStop struct {
	StopReason string `json:"stopReason"`
}

type streamMetadata struct {
	Usage converseUsage `json:"usage"`
}

// Stream performs a ConverseStream call, decoding event stream frames into
// unified chunks. Tool-use input deltas are accumulated per content block
// and emitted as a complete tool call when the block closes.
func (p *BedrockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	rewritten, err := p.rewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: fmt.Sprintf("request rewrite failed: %v", err),
			HTTPStatus: http.StatusBadRequest, Provider: p.Name(),
		}
	}
	req = rewritten

	resp, err := p.do(ctx, req, true)
	if err != nil {
		return nil, err
	}

	model := providers.ChooseModel(req, p.cfg.Model, "")
	ch := make(chan llm.StreamChunk)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		reader := newEventStreamReader(resp.Body)
		// In-flight toolUse blocks, keyed by content block index.
		type pendingTool struct {
			id    string
			name  string
			input strings.Builder
		}
		pending := make(map[int]*pendingTool)

		send := func(chunk llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- chunk:
				return true
			}
		}

		for {
			msg, err := reader.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					send(llm.StreamChunk{Err: &llm.Error{
						Code: llm.ErrUpstreamError, Message: err.Error(),
						HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
					}})
				}
				return
			}

			switch msg.EventType() {
			case "contentBlockStart":
				var ev streamContentBlockStart
				if json.Unmarshal(msg.Payload, &ev) == nil && ev.Start.ToolUse != nil {
					pending[ev.ContentBlockIndex] = &pendingTool{
						id:   ev.Start.ToolUse.ToolUseID,
						name: ev.Start.ToolUse.Name,
					}
				}

			case "contentBlockDelta":
				var ev streamContentBlockDelta
				if json.Unmarshal(msg.Payload, &ev) != nil {
					continue
				}
				if ev.Delta.ToolUse != nil {
					if t, ok := pending[ev.ContentBlockIndex]; ok {
						t.input.WriteString(ev.Delta.ToolUse.Input)
					}
					continue
				}
				if ev.Delta.Text != "" {
					if !send(llm.StreamChunk{
						Provider: p.Name(),
						Model:    model,
						Delta:    llm.Message{Role: llm.RoleAssistant, Content: ev.Delta.Text},
					}) {
						return
					}
				}

			case "contentBlockStop":
				var ev streamContentBlockDelta
				if json.Unmarshal(msg.Payload, &ev) != nil {
					continue
				}
				if t, ok := pending[ev.ContentBlockIndex]; ok {
					delete(pending, ev.ContentBlockIndex)
					args := t.input.String()
					if args == "" {
						args = "{}"
					}
					if !send(llm.StreamChunk{
						Provider: p.Name(),
						Model:    model,
						Delta: llm.Message{
							Role:      llm.RoleAssistant,
							ToolCalls: []llm.ToolCall{{ID: t.id, Name: t.name, Arguments: json.RawMessage(args)}},
						},
					}) {
						return
					}
				}

			case "messageStop":
				var ev streamMessageStop
				if json.Unmarshal(msg.Payload, &ev) != nil {
					continue
				}
				if !send(llm.StreamChunk{
					Provider:     p.Name(),
					Model:        model,
					Delta:        llm.Message{Role: llm.RoleAssistant},
					FinishReason: mapStopReason(ev.StopReason),
				}) {
					return
				}

			case "metadata":
				var ev streamMetadata
				if json.Unmarshal(msg.Payload, &ev) != nil {
					continue
				}
				if !send(llm.StreamChunk{
					Provider: p.Name(),
					Model:    model,
					Delta:    llm.Message{Role: llm.RoleAssistant},
					Usage: &llm.ChatUsage{
						PromptTokens:     ev.Usage.InputTokens,
						CompletionTokens: ev.Usage.OutputTokens,
						TotalTokens:      ev.Usage.TotalTokens,
					},
				}) {
					return
				}

			case "internalServerException", "throttlingException",
				"modelStreamErrorException", "validationException":
				send(llm.StreamChunk{Err: &llm.Error{
					Code:       llm.ErrUpstreamError,
					Message:    string(msg.Payload),
					HTTPStatus: http.StatusBadGateway,
					Retryable:  msg.EventType() == "throttlingException",
					Provider:   p.Name(),
				}})
				return
			}
		}
	}()

	return ch, nil
}

// mapStopReason maps Converse stop reasons to the OpenAI-style values the
// rest of the gateway speaks.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "content_filtered":
		return "content_filter"
	default:
		return reason
	}
}
