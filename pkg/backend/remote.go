package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/gcforged/pylot/pkg/types"
)

const (
	remoteDefaultMaxContext = 4096
	remoteDefaultRetries    = 3
	remoteRetryBaseDelay    = time.Second
)

// RemoteConfig describes an OpenAI-compatible upstream endpoint.
type RemoteConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	// FirstAttemptTimeout bounds the initial try; RetryTimeout bounds each
	// subsequent one. Zero values take the defaults.
	FirstAttemptTimeout time.Duration
	RetryTimeout        time.Duration
	MaxRetries          int

	// MaxContext is the advertised context window; remote endpoints do not
	// report one, so it is declared here.
	MaxContext int
}

// RemoteBackend drives an OpenAI-compatible HTTP endpoint through a pooled
// keep-alive transport. Connection and timeout failures are retried with
// exponential backoff; HTTP status errors from the upstream are not.
type RemoteBackend struct {
	cfg    RemoteConfig
	client *openai.Client
}

func NewRemote(cfg RemoteConfig) *RemoteBackend {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = remoteDefaultRetries
	}
	if cfg.FirstAttemptTimeout <= 0 {
		cfg.FirstAttemptTimeout = 30 * time.Second
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = 2 * cfg.FirstAttemptTimeout
	}
	if cfg.MaxContext <= 0 {
		cfg.MaxContext = remoteDefaultMaxContext
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL
	clientConfig.HTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &RemoteBackend{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientConfig),
	}
}

// upstreamErrorKind classifies a go-openai error: anything that carries an
// HTTP status came from the upstream server and is not retryable.
func upstreamErrorKind(err error) types.ErrorKind {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return types.ErrorKindUpstreamHTTP
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return types.ErrorKindUpstreamHTTP
	}
	return types.ErrorKindUpstreamIO
}

// withRetry runs fn with bounded exponential backoff, retrying only
// connection and timeout failures.
func (r *RemoteBackend) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(func() error {
		timeout := r.cfg.FirstAttemptTimeout
		if attempt > 0 {
			timeout = r.cfg.RetryTimeout
		}
		attempt++

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := fn(attemptCtx); err != nil {
			if ctx.Err() != nil {
				// the caller went away, not the upstream
				return retry.Unrecoverable(err)
			}
			if upstreamErrorKind(err) == types.ErrorKindUpstreamHTTP {
				return retry.Unrecoverable(err)
			}
			return err
		}
		return nil
	},
		retry.Attempts(uint(r.cfg.MaxRetries)),
		retry.Delay(remoteRetryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

func (r *RemoteBackend) Generate(ctx context.Context, req types.GenerationRequest) (types.GenerationResult, error) {
	started := time.Now()
	var resp openai.CompletionResponse
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = r.client.CreateCompletion(ctx, r.completionRequest(req, false))
		return callErr
	})
	if err != nil {
		return r.errorResult(ctx, err, started), err
	}

	result := types.GenerationResult{
		Model:  resp.Model,
		WallMS: time.Since(started).Milliseconds(),
		Usage: types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		result.Text = resp.Choices[0].Text
		result.FinishReason = mapFinishReason(resp.Choices[0].FinishReason)
	} else {
		result.FinishReason = types.FinishReasonStop
	}
	return result, nil
}

func (r *RemoteBackend) Chat(ctx context.Context, req types.ChatRequest) (types.GenerationResult, error) {
	started := time.Now()
	var resp openai.ChatCompletionResponse
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = r.client.CreateChatCompletion(ctx, r.chatRequest(req, false))
		return callErr
	})
	if err != nil {
		return r.errorResult(ctx, err, started), err
	}

	result := types.GenerationResult{
		Model:  resp.Model,
		WallMS: time.Since(started).Milliseconds(),
		Usage: types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		result.Text = resp.Choices[0].Message.Content
		result.FinishReason = mapFinishReason(string(resp.Choices[0].FinishReason))
	} else {
		result.FinishReason = types.FinishReasonStop
	}
	return result, nil
}

func (r *RemoteBackend) errorResult(ctx context.Context, err error, started time.Time) types.GenerationResult {
	kind := upstreamErrorKind(err)
	reason := types.FinishReasonError
	if ctx.Err() != nil {
		kind = types.ErrorKindCancelled
		reason = types.FinishReasonCancelled
	}
	return types.GenerationResult{
		Model:        r.cfg.Model,
		FinishReason: reason,
		ErrorKind:    kind,
		WallMS:       time.Since(started).Milliseconds(),
	}
}

func (r *RemoteBackend) GenerateStream(ctx context.Context, req types.GenerationRequest) (<-chan types.GenerationChunk, error) {
	stream, err := r.client.CreateCompletionStream(ctx, r.completionRequest(req, true))
	if err != nil {
		return r.terminalErrorStream(ctx, err), nil
	}

	out := make(chan types.GenerationChunk)
	go func() {
		defer close(out)
		defer stream.Close()
		var produced string
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- r.streamEOFChunk(req.Prompt, produced, types.FinishReasonStop)
				return
			}
			if err != nil {
				out <- r.streamFailureChunk(ctx, err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			produced += choice.Text
			if choice.FinishReason != "" {
				if choice.Text != "" {
					out <- types.GenerationChunk{Delta: choice.Text, Model: resp.Model}
				}
				out <- r.streamEOFChunk(req.Prompt, produced, mapFinishReason(choice.FinishReason))
				return
			}
			select {
			case out <- types.GenerationChunk{Delta: choice.Text, Model: resp.Model}:
			case <-ctx.Done():
				out <- terminalChunk(types.FinishReasonCancelled, types.ErrorKindCancelled, nil, nil, r.cfg.Model)
				return
			}
		}
	}()
	return out, nil
}

func (r *RemoteBackend) ChatStream(ctx context.Context, req types.ChatRequest) (<-chan types.GenerationChunk, error) {
	stream, err := r.client.CreateChatCompletionStream(ctx, r.chatRequest(req, true))
	if err != nil {
		return r.terminalErrorStream(ctx, err), nil
	}

	prompt := formatChatPrompt(req.Messages)
	out := make(chan types.GenerationChunk)
	go func() {
		defer close(out)
		defer stream.Close()
		var produced string
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- r.streamEOFChunk(prompt, produced, types.FinishReasonStop)
				return
			}
			if err != nil {
				out <- r.streamFailureChunk(ctx, err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			produced += choice.Delta.Content
			if choice.FinishReason != "" {
				if choice.Delta.Content != "" {
					out <- types.GenerationChunk{Delta: choice.Delta.Content, Model: resp.Model}
				}
				out <- r.streamEOFChunk(prompt, produced, mapFinishReason(string(choice.FinishReason)))
				return
			}
			select {
			case out <- types.GenerationChunk{Delta: choice.Delta.Content, Model: resp.Model}:
			case <-ctx.Done():
				out <- terminalChunk(types.FinishReasonCancelled, types.ErrorKindCancelled, nil, nil, r.cfg.Model)
				return
			}
		}
	}()
	return out, nil
}

// terminalErrorStream turns a failed stream open into the contract's shape: a
// one-chunk stream whose terminal chunk carries the error kind.
func (r *RemoteBackend) terminalErrorStream(ctx context.Context, err error) <-chan types.GenerationChunk {
	out := make(chan types.GenerationChunk, 1)
	if ctx.Err() != nil {
		out <- terminalChunk(types.FinishReasonCancelled, types.ErrorKindCancelled, nil, nil, r.cfg.Model)
	} else {
		out <- terminalChunk(types.FinishReasonError, upstreamErrorKind(err), err, nil, r.cfg.Model)
	}
	close(out)
	return out
}

func (r *RemoteBackend) streamFailureChunk(ctx context.Context, err error) types.GenerationChunk {
	if ctx.Err() != nil {
		return terminalChunk(types.FinishReasonCancelled, types.ErrorKindCancelled, nil, nil, r.cfg.Model)
	}
	return terminalChunk(types.FinishReasonError, upstreamErrorKind(err), err, nil, r.cfg.Model)
}

// streamEOFChunk closes out a successful stream, approximating usage since
// OpenAI-compatible streams do not report it.
func (r *RemoteBackend) streamEOFChunk(prompt, produced string, reason types.FinishReason) types.GenerationChunk {
	usage := &types.Usage{
		PromptTokens:     approxTokens(prompt),
		CompletionTokens: approxTokens(produced),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return terminalChunk(reason, types.ErrorKindNone, nil, usage, r.cfg.Model)
}

func (r *RemoteBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var resp openai.EmbeddingResponse
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = r.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: texts,
			Model: openai.EmbeddingModel(r.cfg.Model),
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("remote embeddings: %w", err)
	}
	vectors := make([][]float32, 0, len(resp.Data))
	for _, item := range resp.Data {
		vectors = append(vectors, item.Embedding)
	}
	return vectors, nil
}

// CountTokens approximates with the 4-bytes-per-token rule; the remote
// tokenizer is not reachable.
func (r *RemoteBackend) CountTokens(_ context.Context, text string) (int, error) {
	return approxTokens(text), nil
}

func (r *RemoteBackend) Detokenize(context.Context, []int) (string, error) {
	return "", ErrNotSupported
}

func (r *RemoteBackend) MaxContext() int {
	return r.cfg.MaxContext
}

func (r *RemoteBackend) ModelID() string {
	return r.cfg.Model
}

func (r *RemoteBackend) Shutdown(context.Context) error {
	return nil
}

func (r *RemoteBackend) completionRequest(req types.GenerationRequest, stream bool) openai.CompletionRequest {
	model := req.Model
	if model == "" {
		model = r.cfg.Model
	}
	return openai.CompletionRequest{
		Model:       model,
		Prompt:      req.Prompt,
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		Stop:        req.Params.Stop,
		Seed:        req.Params.Seed,
		Stream:      stream,
	}
}

func (r *RemoteBackend) chatRequest(req types.ChatRequest, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = r.cfg.Model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		Stop:        req.Params.Stop,
		Seed:        req.Params.Seed,
		Stream:      stream,
	}
	return out
}

func mapFinishReason(reason string) types.FinishReason {
	switch reason {
	case "length":
		return types.FinishReasonLength
	case "", "stop":
		return types.FinishReasonStop
	default:
		return types.FinishReasonStop
	}
}

func approxTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
