// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package httpapi exposes the gateway's OpenAI-compatible HTTP surface:
// chat completions (with SSE streaming), embeddings, image generation,
// and the model catalog.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flowgate/gateway/gateway/router"
	"github.com/flowgate/gateway/llm"
	"github.com/flowgate/gateway/llm/embedding"
	"github.com/flowgate/gateway/llm/image"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StatusGuardFailed is the non-standard status signalling a guard
// validation failure.
const StatusGuardFailed = 446

// Server implements the /v1 endpoint set on top of the Router.
type Server struct {
	router *router.Router
	logger *zap.Logger
}

// NewServer creates the HTTP surface over a Router.
func NewServer(rt *router.Router, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{router: rt, logger: logger.With(zap.String("component", "httpapi"))}
}

// Register installs the /v1 routes on a mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("POST /v1/images/generations", s.handleImageGenerations)
	mux.HandleFunc("GET /v1/models", s.handleModels)
}

// tenant resolves the request's tenant, defaulting to "default".
func tenant(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-Id"); t != "" {
		return t
	}
	return "default"
}

// setIdentityHeaders stamps every response with the serving provider and
// model plus a fresh request id.
func setIdentityHeaders(w http.ResponseWriter, provider, model string) {
	if provider != "" {
		w.Header().Set("X-Provider-Name", provider)
	}
	if model != "" {
		w.Header().Set("X-Model-Name", model)
	}
	w.Header().Set("X-Request-Id", uuid.NewString())
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var wire ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		s.writeError(w, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: "malformed request body: " + err.Error(),
			HTTPStatus: http.StatusBadRequest,
		})
		return
	}

	req, err := toChatRequest(&wire)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req.TraceID = uuid.NewString()

	if wire.Stream {
		s.streamChatCompletion(w, r, req)
		return
	}

	resp, meta, err := s.router.ChatCompletion(r.Context(), tenant(r), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	setIdentityHeaders(w, meta.InferenceProvider.Provider, meta.Model)

	out := ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		fr := c.FinishReason
		out.Choices = append(out.Choices, ChatChoice{
			Index:        c.Index,
			Message:      fromMessage(c.Message),
			FinishReason: &fr,
		})
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, req *llm.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, &llm.Error{
			Code: llm.ErrInternalError, Message: "streaming unsupported by connection",
			HTTPStatus: http.StatusInternalServerError,
		})
		return
	}

	ch, meta, err := s.router.ChatCompletionStream(r.Context(), tenant(r), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	setIdentityHeaders(w, meta.InferenceProvider.Provider, meta.Model)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	for chunk := range ch {
		if chunk.Err != nil {
			// Terminal error frame; for guard failures the guard id rides
			// in the error code envelope.
			frame := map[string]any{"error": map[string]any{
				"message": chunk.Err.Message,
				"type":    string(chunk.Err.Code),
			}}
			if chunk.Err.Code == llm.ErrGuardFailed {
				frame["error"].(map[string]any)["guard_id"] = chunk.Err.Provider
			}
			writeSSE(w, flusher, frame)
			break
		}

		out := ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   meta.Model,
		}
		delta := fromMessage(chunk.Delta)
		choice := ChatChoice{Index: chunk.Index, Delta: delta}
		if chunk.FinishReason != "" {
			fr := chunk.FinishReason
			choice.FinishReason = &fr
		}
		out.Choices = append(out.Choices, choice)
		if chunk.Usage != nil {
			out.Usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		writeSSE(w, flusher, out)
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var wire EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		s.writeError(w, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: "malformed request body: " + err.Error(),
			HTTPStatus: http.StatusBadRequest,
		})
		return
	}

	input, err := parseEmbeddingInput(wire.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp, meta, err := s.router.Embeddings(r.Context(), tenant(r), wire.Model, &embedding.EmbeddingRequest{
		Input:          input,
		Dimensions:     wire.Dimensions,
		EncodingFormat: wire.EncodingFormat,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	setIdentityHeaders(w, meta.InferenceProvider.Provider, meta.Model)

	out := EmbeddingResponse{
		Object: "list",
		Model:  meta.Model,
		Usage: Usage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, e := range resp.Embeddings {
		out.Data = append(out.Data, EmbeddingData{
			Object:    "embedding",
			Index:     e.Index,
			Embedding: e.Embedding,
		})
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	var wire ImageGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		s.writeError(w, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: "malformed request body: " + err.Error(),
			HTTPStatus: http.StatusBadRequest,
		})
		return
	}

	resp, meta, err := s.router.GenerateImages(r.Context(), tenant(r), wire.Model, &image.GenerateRequest{
		Prompt:         wire.Prompt,
		N:              wire.N,
		Size:           wire.Size,
		Quality:        wire.Quality,
		Style:          wire.Style,
		ResponseFormat: wire.ResponseFormat,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	setIdentityHeaders(w, meta.InferenceProvider.Provider, meta.Model)

	out := ImageGenerationResponse{Created: time.Now().Unix()}
	for _, img := range resp.Images {
		out.Data = append(out.Data, ImageData{
			URL:           img.URL,
			B64JSON:       img.B64JSON,
			RevisedPrompt: img.RevisedPrompt,
		})
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list := ModelList{Object: "list"}
	for _, m := range s.router.Catalog().All() {
		list.Data = append(list.Data, ModelInfo{
			ID:      m.ModelProvider + "/" + m.Model,
			Object:  "model",
			OwnedBy: m.ModelProvider,
		})
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

// writeError maps router and adapter errors onto HTTP statuses: guard
// failures to 446 with the dedicated body, limit denials to 429, typed
// adapter errors to their mapped status, everything else to 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var guardErr *router.GuardError
	if errors.As(err, &guardErr) {
		body := GuardFailureResponse{
			Message: "Guard Validation Failed",
			GuardID: guardErr.Result.GuardID,
		}
		if guardErr.Result.Reason != "" {
			details, _ := json.Marshal(map[string]string{"reason": guardErr.Result.Reason})
			body.Details = details
		}
		s.writeJSON(w, StatusGuardFailed, body)
		return
	}

	var limitErr *router.LimitError
	if errors.As(err, &limitErr) {
		w.Header().Set("Retry-After", retryAfter(limitErr.Decision.Exceeded))
		s.writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: ErrorDetail{
			Message: limitErr.Error(),
			Type:    "rate_limit_exceeded",
		}})
		return
	}

	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		status := llmErr.HTTPStatus
		if status == 0 {
			status = http.StatusBadGateway
		}
		s.writeJSON(w, status, ErrorResponse{Error: ErrorDetail{
			Message: llmErr.Message,
			Type:    string(llmErr.Code),
			Code:    string(llmErr.Code),
		}})
		return
	}

	s.logger.Error("unhandled request error", zap.Error(err))
	s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{
		Message: "internal server error",
		Type:    "internal_error",
	}})
}

// retryAfter suggests a wait matching the tripped window. Rough but
// better than nothing for well-behaved clients.
func retryAfter(window string) string {
	switch window {
	case "hour":
		return "3600"
	case "day":
		return "86400"
	default:
		return "60"
	}
}
