package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/gcforged/pylot/pkg/backend"
	"github.com/gcforged/pylot/pkg/cache"
	"github.com/gcforged/pylot/pkg/config"
	"github.com/gcforged/pylot/pkg/system"
	"github.com/gcforged/pylot/pkg/types"
)

// decodeJSON parses a bounded request body into dst.
func decodeJSON(r *http.Request, dst any) *system.HTTPError {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return system.NewHTTPError422(fmt.Sprintf("invalid request body: %s", err))
	}
	return nil
}

func validateParams(p types.GenerationParams) *system.HTTPError {
	if p.MaxTokens < types.MaxTokensFloor || p.MaxTokens > types.MaxTokensCeiling {
		return system.NewHTTPError422(fmt.Sprintf("max_tokens %d out of range [%d, %d]", p.MaxTokens, types.MaxTokensFloor, types.MaxTokensCeiling))
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return system.NewHTTPError422(fmt.Sprintf("temperature %g out of range [0, 2]", p.Temperature))
	}
	if p.TopP < 0 || p.TopP > 1 {
		return system.NewHTTPError422(fmt.Sprintf("top_p %g out of range [0, 1]", p.TopP))
	}
	if p.TopK < 0 {
		return system.NewHTTPError422(fmt.Sprintf("top_k %d must be >= 0", p.TopK))
	}
	if p.RepeatPenalty < 0 {
		return system.NewHTTPError422(fmt.Sprintf("repeat_penalty %g must be >= 0", p.RepeatPenalty))
	}
	return nil
}

// clampMaxTokens bounds max_tokens by the context window left after the
// prompt. A generation that runs into the bound finishes with reason length.
// Token counting is best-effort: when it fails the request proceeds unclamped
// and the runtime enforces its own window.
func (s *Server) clampMaxTokens(ctx context.Context, prompt string, params *types.GenerationParams) {
	maxCtx := s.backend.MaxContext()
	if maxCtx <= 0 {
		return
	}
	promptTokens, err := s.backend.CountTokens(ctx, prompt)
	if err != nil {
		return
	}
	if remaining := maxCtx - promptTokens; remaining >= 1 && params.MaxTokens > remaining {
		params.MaxTokens = remaining
	}
}

func chatPromptText(messages []types.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

func validateMessages(messages []types.ChatMessage) *system.HTTPError {
	if len(messages) == 0 {
		return system.NewHTTPError422("messages must not be empty")
	}
	for i, m := range messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return system.NewHTTPError422(fmt.Sprintf("messages[%d].role %q must be system, user or assistant", i, m.Role))
		}
	}
	return nil
}

// httpErrorForKind maps a generation error kind to its response status.
func httpErrorForKind(kind types.ErrorKind, message string) *system.HTTPError {
	switch kind {
	case types.ErrorKindRequestInvalid:
		return system.NewHTTPError422(message)
	case types.ErrorKindUnauthorized:
		return system.NewHTTPError401(message)
	case types.ErrorKindNotSupported:
		return system.NewHTTPError501(message)
	case types.ErrorKindModelUnavailable, types.ErrorKindBackendBusy,
		types.ErrorKindTimeout, types.ErrorKindCancelled,
		types.ErrorKindUpstreamIO, types.ErrorKindUpstreamHTTP:
		return system.NewHTTPError503(kind, message)
	default:
		return system.NewHTTPError500(message)
	}
}

// resultHTTPError inspects a synchronous generation outcome and returns the
// error to serve, or nil on success.
func resultHTTPError(result types.GenerationResult, err error, jobCtx, reqCtx context.Context) *system.HTTPError {
	kind := result.ErrorKind
	if kind == types.ErrorKindNone && err != nil {
		kind = types.ErrorKindInternal
	}
	if kind == types.ErrorKindNone && result.FinishReason == types.FinishReasonCancelled {
		kind = types.ErrorKindCancelled
	}
	if kind == types.ErrorKindNone {
		return nil
	}
	if kind == types.ErrorKindCancelled {
		kind = errorKindForJob(jobCtx, reqCtx)
	}
	message := "generation failed"
	if err != nil {
		message = err.Error()
	} else if kind == types.ErrorKindTimeout {
		message = "request timed out"
	} else if kind == types.ErrorKindCancelled {
		message = "request cancelled"
	}
	return httpErrorForKind(kind, message)
}

// flightError carries an HTTP error through the cache's single-flight path so
// waiters of a failed producer see the same status.
type flightError struct {
	httpErr *system.HTTPError
}

func (e *flightError) Error() string {
	return e.httpErr.Message
}

func (s *Server) writeGenerationError(w http.ResponseWriter, err error, jobCtx, reqCtx context.Context) {
	var fe *flightError
	httpErr := system.NewHTTPError(err)
	switch {
	case errors.As(err, &fe):
		httpErr = fe.httpErr
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		httpErr = httpErrorForKind(errorKindForJob(jobCtx, reqCtx), "request did not complete")
	}
	s.metrics.RecordError(string(httpErr.Kind))
	system.WriteHTTPError(w, httpErr)
}

func toOpenAIUsage(u types.Usage) openai.Usage {
	return openai.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func (s *Server) createCompletion(w http.ResponseWriter, r *http.Request) {
	var apiReq types.CompletionAPIRequest
	if httpErr := decodeJSON(r, &apiReq); httpErr != nil {
		system.WriteHTTPError(w, httpErr)
		return
	}
	if strings.TrimSpace(apiReq.Prompt) == "" {
		system.WriteHTTPError(w, system.NewHTTPError422("prompt must not be empty"))
		return
	}

	cfg := s.cfg()
	params := types.ApplyDefaults(generationDefaults(cfg.Generation),
		apiReq.MaxTokens, apiReq.Temperature, apiReq.TopP, apiReq.TopK, apiReq.RepeatPenalty,
		apiReq.Stop, apiReq.Seed)
	if httpErr := validateParams(params); httpErr != nil {
		system.WriteHTTPError(w, httpErr)
		return
	}
	s.clampMaxTokens(r.Context(), apiReq.Prompt, &params)

	req := types.GenerationRequest{
		Model:  s.backend.ModelID(),
		Prompt: apiReq.Prompt,
		Params: params,
	}
	id := "cmpl-" + uuid.NewString()
	jobCtx, done := s.trackJob(r.Context(), id)
	defer done()

	if apiReq.Stream {
		s.streamCompletion(w, jobCtx, r.Context(), id, req)
		return
	}

	producer := func(ctx context.Context) ([]byte, error) {
		result, err := s.backend.Generate(ctx, req)
		if httpErr := resultHTTPError(result, err, ctx, r.Context()); httpErr != nil {
			return nil, &flightError{httpErr: httpErr}
		}
		usage := toOpenAIUsage(result.Usage)
		return json.Marshal(openai.CompletionResponse{
			ID:      id,
			Object:  "text_completion",
			Created: time.Now().Unix(),
			Model:   result.Model,
			Choices: []openai.CompletionChoice{{
				Text:         result.Text,
				Index:        0,
				FinishReason: string(result.FinishReason),
			}},
			Usage: &usage,
		})
	}

	var (
		body []byte
		err  error
	)
	if cfg.Cache.Enabled {
		fp := cache.FingerprintCompletion(req.Model, req, cfg.Generation.CanonicalizePrompt)
		body, _, err = s.cache.DoOrWait(jobCtx, fp, producer)
	} else {
		body, err = producer(jobCtx)
	}
	if err != nil {
		s.writeGenerationError(w, err, jobCtx, r.Context())
		return
	}
	writeJSONBody(w, body)
}

func (s *Server) createChatCompletion(w http.ResponseWriter, r *http.Request) {
	var apiReq types.ChatCompletionAPIRequest
	if httpErr := decodeJSON(r, &apiReq); httpErr != nil {
		system.WriteHTTPError(w, httpErr)
		return
	}
	if httpErr := validateMessages(apiReq.Messages); httpErr != nil {
		system.WriteHTTPError(w, httpErr)
		return
	}

	cfg := s.cfg()
	params := types.ApplyDefaults(generationDefaults(cfg.Generation),
		apiReq.MaxTokens, apiReq.Temperature, apiReq.TopP, apiReq.TopK, apiReq.RepeatPenalty,
		apiReq.Stop, apiReq.Seed)
	if httpErr := validateParams(params); httpErr != nil {
		system.WriteHTTPError(w, httpErr)
		return
	}
	s.clampMaxTokens(r.Context(), chatPromptText(apiReq.Messages), &params)

	req := types.ChatRequest{
		Model:    s.backend.ModelID(),
		Messages: apiReq.Messages,
		Params:   params,
	}
	id := "chatcmpl-" + uuid.NewString()
	jobCtx, done := s.trackJob(r.Context(), id)
	defer done()

	if apiReq.Stream {
		s.streamChatCompletion(w, jobCtx, r.Context(), id, req)
		return
	}

	producer := func(ctx context.Context) ([]byte, error) {
		result, err := s.backend.Chat(ctx, req)
		if httpErr := resultHTTPError(result, err, ctx, r.Context()); httpErr != nil {
			return nil, &flightError{httpErr: httpErr}
		}
		return json.Marshal(openai.ChatCompletionResponse{
			ID:      id,
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   result.Model,
			Choices: []openai.ChatCompletionChoice{{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: result.Text,
				},
				FinishReason: openai.FinishReason(result.FinishReason),
			}},
			Usage: toOpenAIUsage(result.Usage),
		})
	}

	var (
		body []byte
		err  error
	)
	if cfg.Cache.Enabled {
		fp := cache.FingerprintChat(req.Model, req, cfg.Generation.CanonicalizePrompt)
		body, _, err = s.cache.DoOrWait(jobCtx, fp, producer)
	} else {
		body, err = producer(jobCtx)
	}
	if err != nil {
		s.writeGenerationError(w, err, jobCtx, r.Context())
		return
	}
	writeJSONBody(w, body)
}

func generationDefaults(g config.GenerationSettings) types.ParamDefaults {
	return types.ParamDefaults{
		MaxTokens:     g.MaxTokens,
		Temperature:   g.Temperature,
		TopP:          g.TopP,
		TopK:          g.TopK,
		RepeatPenalty: g.RepeatPenalty,
	}
}

func writeJSONBody(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// sseWriter wraps the flusher dance around event frames.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, *system.HTTPError) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, system.NewHTTPError500("streaming unsupported by this connection")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) event(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

func (s *sseWriter) done() {
	fmt.Fprintf(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// streamChunkError reports whether a terminal chunk should surface as an SSE
// error frame rather than a finish_reason.
func streamChunkError(chunk types.GenerationChunk) *system.HTTPError {
	if chunk.Err == nil {
		return nil
	}
	kind := chunk.ErrorKind
	if kind == types.ErrorKindNone {
		kind = types.ErrorKindInternal
	}
	return httpErrorForKind(kind, chunk.Err.Error())
}

func (s *Server) streamCompletion(w http.ResponseWriter, jobCtx, reqCtx context.Context, id string, req types.GenerationRequest) {
	stream, err := s.backend.GenerateStream(jobCtx, req)
	if err != nil {
		s.writeGenerationError(w, err, jobCtx, reqCtx)
		return
	}
	sse, httpErr := newSSEWriter(w)
	if httpErr != nil {
		system.WriteHTTPError(w, httpErr)
		return
	}

	created := time.Now().Unix()
	for chunk := range stream {
		if streamErr := streamChunkError(chunk); streamErr != nil {
			s.metrics.RecordError(string(streamErr.Kind))
			sse.event(system.NewAPIErrorEnvelope(streamErr.StatusCode, streamErr.Kind, streamErr.Message))
			continue
		}
		if chunk.Delta == "" && !chunk.Terminal() {
			continue
		}
		resp := openai.CompletionResponse{
			ID:      id,
			Object:  "text_completion",
			Created: created,
			Model:   req.Model,
			Choices: []openai.CompletionChoice{{
				Text:         chunk.Delta,
				Index:        0,
				FinishReason: string(chunk.FinishReason),
			}},
		}
		if chunk.Usage != nil {
			usage := toOpenAIUsage(*chunk.Usage)
			resp.Usage = &usage
		}
		sse.event(resp)
	}
	sse.done()
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, jobCtx, reqCtx context.Context, id string, req types.ChatRequest) {
	stream, err := s.backend.ChatStream(jobCtx, req)
	if err != nil {
		s.writeGenerationError(w, err, jobCtx, reqCtx)
		return
	}
	sse, httpErr := newSSEWriter(w)
	if httpErr != nil {
		system.WriteHTTPError(w, httpErr)
		return
	}

	created := time.Now().Unix()
	first := true
	for chunk := range stream {
		if streamErr := streamChunkError(chunk); streamErr != nil {
			s.metrics.RecordError(string(streamErr.Kind))
			sse.event(system.NewAPIErrorEnvelope(streamErr.StatusCode, streamErr.Kind, streamErr.Message))
			continue
		}
		if chunk.Delta == "" && !chunk.Terminal() {
			continue
		}
		delta := openai.ChatCompletionStreamChoiceDelta{Content: chunk.Delta}
		if first {
			delta.Role = openai.ChatMessageRoleAssistant
			first = false
		}
		resp := openai.ChatCompletionStreamResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []openai.ChatCompletionStreamChoice{{
				Index:        0,
				Delta:        delta,
				FinishReason: openai.FinishReason(chunk.FinishReason),
			}},
		}
		if chunk.Usage != nil {
			usage := toOpenAIUsage(*chunk.Usage)
			resp.Usage = &usage
		}
		sse.event(resp)
	}
	sse.done()
}

func (s *Server) createEmbeddings(w http.ResponseWriter, r *http.Request) {
	var apiReq types.EmbeddingsAPIRequest
	if httpErr := decodeJSON(r, &apiReq); httpErr != nil {
		system.WriteHTTPError(w, httpErr)
		return
	}
	if len(apiReq.Input) == 0 {
		system.WriteHTTPError(w, system.NewHTTPError422("input must not be empty"))
		return
	}

	id := "embd-" + uuid.NewString()
	jobCtx, done := s.trackJob(r.Context(), id)
	defer done()

	vectors, err := s.backend.Embed(jobCtx, []string(apiReq.Input))
	if err != nil {
		if errors.Is(err, backend.ErrNotSupported) {
			system.WriteHTTPError(w, system.NewHTTPError501("this model does not serve embeddings"))
			return
		}
		s.writeGenerationError(w, err, jobCtx, r.Context())
		return
	}

	data := make([]openai.Embedding, len(vectors))
	for i, vec := range vectors {
		data[i] = openai.Embedding{
			Object:    "embedding",
			Embedding: vec,
			Index:     i,
		}
	}
	resp := openai.EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  openai.EmbeddingModel(s.backend.ModelID()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return
	}
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	system.Wrapper(func(http.ResponseWriter, *http.Request) (openai.ModelsList, *system.HTTPError) {
		return openai.ModelsList{
			Models: []openai.Model{{
				ID:        s.backend.ModelID(),
				Object:    "model",
				OwnedBy:   "pylot",
				CreatedAt: s.startedAt.Unix(),
			}},
		}, nil
	})(w, r)
}
