package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flowgate/gateway/gateway/counter"
	"github.com/flowgate/gateway/gateway/guard"
	"github.com/flowgate/gateway/gateway/pricing"
	"github.com/flowgate/gateway/gateway/router"
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

type stubProvider struct {
	chunks     []llm.StreamChunk
	completion *llm.ChatResponse
}

func (s *stubProvider) Name() string                        { return "mock" }
func (s *stubProvider) SupportsNativeFunctionCalling() bool { return true }
func (s *stubProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}
func (s *stubProvider) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }
func (s *stubProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return s.completion, nil
}
func (s *stubProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, stub *stubProvider, guards []guard.Guard) *Server {
	t.Helper()
	catalog, err := pricing.LoadFromBytes([]byte(testCatalogYAML))
	require.NoError(t, err)

	registry := router.NewRegistry(router.Credentials{}, nil)
	registry.RegisterChatProviderForEndpoint("mock", "http://localhost:1", stub)

	engine := guard.NewEngine(guard.DefaultEvaluators(nil, nil), nil)
	rt := router.New(catalog, registry, engine, nil, nil, router.Config{Guards: guards}, nil)
	return NewServer(rt, nil)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	s.Register(mux)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletions_UnknownModelIs400(t *testing.T) {
	s := newTestServer(t, &stubProvider{}, nil)
	rec := doRequest(t, s, http.MethodPost, "/v1/chat/completions",
		`{"model":"vendorX/nope","messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ModelNotFound")
}

func TestChatCompletions_GuardFailureIs446(t *testing.T) {
	guards := []guard.Guard{{
		ID: "no-ssn", Name: "Block SSN", Stage: guard.StageInput, Kind: guard.KindRegex,
		Regex: &guard.RegexGuard{Patterns: []string{`\d{3}-\d{2}-\d{4}`}, MatchType: guard.MatchNone},
	}}
	s := newTestServer(t, &stubProvider{}, guards)
	rec := doRequest(t, s, http.MethodPost, "/v1/chat/completions",
		`{"model":"mock/mock-model","messages":[{"role":"user","content":"ssn 123-45-6789"}]}`)

	assert.Equal(t, StatusGuardFailed, rec.Code)
	assert.Contains(t, rec.Body.String(), `"guard_id":"no-ssn"`)
	assert.Contains(t, rec.Body.String(), "Guard Validation Failed")
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	stub := &stubProvider{completion: &llm.ChatResponse{
		Model: "mock-model-v1",
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: "Hello world"},
		}},
		Usage: llm.ChatUsage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}}
	s := newTestServer(t, stub, nil)
	rec := doRequest(t, s, http.MethodPost, "/v1/chat/completions",
		`{"model":"mock/mock-model","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mock", rec.Header().Get("X-Provider-Name"))
	assert.Equal(t, "mock-model", rec.Header().Get("X-Model-Name"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Contains(t, rec.Body.String(), `"Hello world"`)
	assert.Contains(t, rec.Body.String(), `"total_tokens":7`)
}

func TestChatCompletions_StreamingSSE(t *testing.T) {
	stub := &stubProvider{chunks: []llm.StreamChunk{
		{Delta: llm.Message{Role: llm.RoleAssistant, Content: "Hel"}},
		{Delta: llm.Message{Role: llm.RoleAssistant, Content: "lo"}},
		{Delta: llm.Message{Role: llm.RoleAssistant, Content: " world"}, FinishReason: "stop"},
	}}
	s := newTestServer(t, stub, nil)
	rec := doRequest(t, s, http.MethodPost, "/v1/chat/completions",
		`{"model":"mock/mock-model","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	frames := strings.Split(strings.TrimSpace(body), "\n\n")
	require.Len(t, frames, 4) // three content frames plus [DONE]
	assert.Contains(t, frames[0], `"Hel"`)
	assert.Contains(t, frames[1], `"lo"`)
	assert.Contains(t, frames[2], `" world"`)
	assert.Equal(t, "data: [DONE]", frames[3])
}

func TestChatCompletions_OutputGuardErrorFrame(t *testing.T) {
	stub := &stubProvider{chunks: []llm.StreamChunk{
		{Delta: llm.Message{Role: llm.RoleAssistant, Content: "I don't know"}, FinishReason: "stop"},
	}}
	guards := []guard.Guard{{
		ID: "json-answer", Name: "JSON answer", Stage: guard.StageOutput, Kind: guard.KindSchema,
		Schema: &guard.SchemaGuard{UserDefinedSchema: []byte(`{"type":"object","required":["answer"]}`)},
	}}
	s := newTestServer(t, stub, guards)
	rec := doRequest(t, s, http.MethodPost, "/v1/chat/completions",
		`{"model":"mock/mock-model","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"guard_id":"json-answer"`)
	assert.Contains(t, body, "data: [DONE]")
}

func TestModels_ListsCatalog(t *testing.T) {
	s := newTestServer(t, &stubProvider{}, nil)
	rec := doRequest(t, s, http.MethodGet, "/v1/models", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"object":"list"`)
	assert.Contains(t, rec.Body.String(), `"id":"mock/mock-model"`)
}

func TestRateLimit_RejectsOverCap(t *testing.T) {
	store := counter.NewMemoryStore()
	hourly := 2.0
	mw := RateLimit(store, RateLimitConfig{Hourly: &hourly}, nil)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
