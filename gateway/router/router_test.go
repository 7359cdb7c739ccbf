package router

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowgate/gateway/gateway/counter"
	"github.com/flowgate/gateway/gateway/eventbus"
	"github.com/flowgate/gateway/gateway/guard"
	"github.com/flowgate/gateway/gateway/limit"
	"github.com/flowgate/gateway/gateway/pricing"
	"github.com/flowgate/gateway/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalogYAML = `
- model: mock-model
  model_provider: mock
  inference_provider:
    provider: mock
    model_name: mock-model-v1
    endpoint: http://localhost:1
  price:
    per_input_token: 0.001
    per_output_token: 0.002
  type: completions
`

// mockProvider is a scriptable llm.Provider that records invocations.
type mockProvider struct {
	calls      atomic.Int64
	completion *llm.ChatResponse
	chunks     []llm.StreamChunk
	err        error
}

func (m *mockProvider) Name() string                        { return "mock" }
func (m *mockProvider) SupportsNativeFunctionCalling() bool { return true }
func (m *mockProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}
func (m *mockProvider) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }

func (m *mockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.completion, nil
}

func (m *mockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan llm.StreamChunk, len(m.chunks))
	for _, c := range m.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newTestRouter(t *testing.T, mock *mockProvider, guards []guard.Guard, limits *limit.Checker, bus *eventbus.Bus) *Router {
	t.Helper()
	catalog, err := pricing.LoadFromBytes([]byte(testCatalogYAML))
	require.NoError(t, err)

	registry := NewRegistry(Credentials{}, nil)
	registry.RegisterChatProviderForEndpoint("mock", "http://localhost:1", mock)

	engine := guard.NewEngine(guard.DefaultEvaluators(nil, nil), nil)
	return New(catalog, registry, engine, limits, bus, Config{Guards: guards}, nil)
}

func userMessage(text string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: text}}
}

func TestChatCompletion_UnknownModel(t *testing.T) {
	r := newTestRouter(t, &mockProvider{}, nil, nil, nil)

	_, _, err := r.ChatCompletion(context.Background(), "default", &llm.ChatRequest{
		Model:    "vendorX/nope",
		Messages: userMessage("hi"),
	})
	require.Error(t, err)

	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrModelNotFound, llmErr.Code)
	assert.Equal(t, 400, llmErr.HTTPStatus)
	assert.Contains(t, llmErr.Message, "ModelNotFound")
}

func TestChatCompletion_InputGuardBlocksWithoutDispatch(t *testing.T) {
	mock := &mockProvider{}
	guards := []guard.Guard{{
		ID: "no-ssn", Name: "Block SSN", Stage: guard.StageInput, Kind: guard.KindRegex,
		Regex: &guard.RegexGuard{Patterns: []string{`\d{3}-\d{2}-\d{4}`}, MatchType: guard.MatchNone},
	}}
	r := newTestRouter(t, mock, guards, nil, nil)

	_, _, err := r.ChatCompletion(context.Background(), "default", &llm.ChatRequest{
		Model:    "mock/mock-model",
		Messages: userMessage("my ssn is 123-45-6789"),
	})
	require.Error(t, err)

	var guardErr *GuardError
	require.ErrorAs(t, err, &guardErr)
	assert.Equal(t, "no-ssn", guardErr.Result.GuardID)
	assert.Equal(t, int64(0), mock.calls.Load(), "guard failure must not reach the provider")
}

func TestChatCompletion_SuccessEmitsStopWithUsage(t *testing.T) {
	mock := &mockProvider{completion: &llm.ChatResponse{
		Model: "mock-model-v1",
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: "Hello world"},
		}},
		Usage: llm.ChatUsage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13},
	}}

	bus := eventbus.New(nil)
	ctx, cancelSub := context.WithCancel(context.Background())
	defer cancelSub()
	events, _ := bus.Subscribe(ctx)

	r := newTestRouter(t, mock, nil, nil, bus)

	resp, meta, err := r.ChatCompletion(context.Background(), "default", &llm.ChatRequest{
		Model:    "mock/mock-model",
		Messages: userMessage("hi"),
	})
	require.NoError(t, err)
	assert.Equal(t, "mock", meta.InferenceProvider.Provider)
	assert.Equal(t, "mock-model", resp.Model)

	var types []eventbus.EventType
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			if ev.Type == eventbus.EventLlmStop {
				assert.Equal(t, 10, ev.Usage.PromptTokens)
				assert.Equal(t, 3, ev.Usage.CompletionTokens)
				assert.Equal(t, "stop", ev.FinishReason)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []eventbus.EventType{eventbus.EventLlmStart, eventbus.EventLlmStop}, types)
}

func TestChatCompletion_AdmissionDenied(t *testing.T) {
	store := counter.NewMemoryStore()
	_, err := store.Increment(context.Background(), "default", "llm_usage", counter.PeriodDay, 100)
	require.NoError(t, err)

	capped := 100.0
	checker := limit.New(store, limit.Config{
		Default: map[string]limit.Caps{"llm_usage": {Day: &capped}},
	}, nil)

	mock := &mockProvider{}
	r := newTestRouter(t, mock, nil, checker, nil)

	_, _, err = r.ChatCompletion(context.Background(), "default", &llm.ChatRequest{
		Model:    "mock/mock-model",
		Messages: userMessage("hi"),
	})
	require.Error(t, err)

	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "day", limitErr.Decision.Exceeded)
	assert.Equal(t, int64(0), mock.calls.Load())
}

func TestStream_DeliversChunksInOrder(t *testing.T) {
	mock := &mockProvider{chunks: []llm.StreamChunk{
		{Delta: llm.Message{Role: llm.RoleAssistant, Content: "Hel"}},
		{Delta: llm.Message{Role: llm.RoleAssistant, Content: "lo"}},
		{Delta: llm.Message{Role: llm.RoleAssistant, Content: " world"}, FinishReason: "stop"},
	}}
	r := newTestRouter(t, mock, nil, nil, nil)

	ch, _, err := r.ChatCompletionStream(context.Background(), "default", &llm.ChatRequest{
		Model:    "mock/mock-model",
		Messages: userMessage("hi"),
	})
	require.NoError(t, err)

	var got []string
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		got = append(got, chunk.Delta.Content)
	}
	assert.Equal(t, []string{"Hel", "lo", " world"}, got)
}

func TestStream_OutputSchemaGuardInjectsErrorFrame(t *testing.T) {
	mock := &mockProvider{chunks: []llm.StreamChunk{
		{Delta: llm.Message{Role: llm.RoleAssistant, Content: "I don't know"}, FinishReason: "stop"},
	}}
	guards := []guard.Guard{{
		ID: "answer-schema", Name: "Answer schema", Stage: guard.StageOutput, Kind: guard.KindSchema,
		Schema: &guard.SchemaGuard{UserDefinedSchema: json.RawMessage(`{"type":"object","required":["answer"],"properties":{"answer":{"type":"string"}}}`)},
	}}
	r := newTestRouter(t, mock, guards, nil, nil)

	ch, _, err := r.ChatCompletionStream(context.Background(), "default", &llm.ChatRequest{
		Model:    "mock/mock-model",
		Messages: userMessage("hi"),
	})
	require.NoError(t, err)

	var terminal *llm.Error
	for chunk := range ch {
		if chunk.Err != nil {
			terminal = chunk.Err
		}
	}
	require.NotNil(t, terminal, "stream must end with a guard error frame")
	assert.Equal(t, llm.ErrGuardFailed, terminal.Code)
	assert.Equal(t, "answer-schema", terminal.Provider)
}

func TestStream_StopEventAlwaysEmitted(t *testing.T) {
	mock := &mockProvider{chunks: []llm.StreamChunk{
		{Delta: llm.Message{Role: llm.RoleAssistant, Content: "partial"}},
	}}

	bus := eventbus.New(nil)
	subCtx, cancelSub := context.WithCancel(context.Background())
	defer cancelSub()
	events, _ := bus.Subscribe(subCtx)

	r := newTestRouter(t, mock, nil, nil, bus)

	ch, _, err := r.ChatCompletionStream(context.Background(), "default", &llm.ChatRequest{
		Model:    "mock/mock-model",
		Messages: userMessage("hi"),
	})
	require.NoError(t, err)
	for range ch {
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.EventLlmStop {
				// Usage was estimated from the tokenizer since the mock
				// never reported any.
				assert.Greater(t, ev.Usage.CompletionTokens, 0)
				return
			}
		case <-deadline:
			t.Fatal("no LlmStop event observed")
		}
	}
}

func TestMegapixels(t *testing.T) {
	assert.InDelta(t, 1.048576, megapixels("1024x1024"), 1e-9)
	assert.Zero(t, megapixels("weird"))
}
