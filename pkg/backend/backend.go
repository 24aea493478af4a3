package backend

import (
	"context"
	"errors"

	"github.com/gcforged/pylot/pkg/types"
)

//go:generate mockgen -source $GOFILE -destination backend_mocks.go -package $GOPACKAGE

// ErrNotSupported marks an operation a backend variant cannot perform, such
// as embeddings on a runtime loaded without embedding capability.
var ErrNotSupported = errors.New("operation not supported by this backend")

// Backend is the uniform contract over token producers. Two variants exist:
// the native adapter owning an in-process llama-server handle, and the remote
// adapter driving an OpenAI-compatible endpoint.
//
// Streams are finite and non-restartable: the channel delivers chunks in
// production order, the last chunk before close carries a non-empty finish
// reason (or an error), and nothing follows it. Cancelling the context
// terminates an in-flight stream with finish_reason=cancelled within a
// bounded number of tokens. Consumers must drain the channel to completion;
// after cancellation only the terminal chunk remains.
type Backend interface {
	Generate(ctx context.Context, req types.GenerationRequest) (types.GenerationResult, error)
	Chat(ctx context.Context, req types.ChatRequest) (types.GenerationResult, error)
	GenerateStream(ctx context.Context, req types.GenerationRequest) (<-chan types.GenerationChunk, error)
	ChatStream(ctx context.Context, req types.ChatRequest) (<-chan types.GenerationChunk, error)

	// Embed returns one vector per input text, or ErrNotSupported.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// CountTokens is best-effort; remote backends approximate.
	CountTokens(ctx context.Context, text string) (int, error)

	// Detokenize is the inverse of the runtime tokenizer, or ErrNotSupported.
	Detokenize(ctx context.Context, tokens []int) (string, error)

	MaxContext() int
	ModelID() string

	// Shutdown releases backend resources. Idempotent.
	Shutdown(ctx context.Context) error
}

// collectStream drains a chunk channel into a single GenerationResult, shared
// by the synchronous Generate/Chat paths of both adapters.
func collectStream(ctx context.Context, stream <-chan types.GenerationChunk, model string) (types.GenerationResult, error) {
	result := types.GenerationResult{Model: model}
	for chunk := range stream {
		result.Text += chunk.Delta
		if chunk.Model != "" {
			result.Model = chunk.Model
		}
		if chunk.Usage != nil {
			result.Usage = *chunk.Usage
		}
		if chunk.Terminal() {
			result.FinishReason = chunk.FinishReason
			result.ErrorKind = chunk.ErrorKind
			if chunk.Err != nil {
				if result.FinishReason == types.FinishReasonNone {
					result.FinishReason = types.FinishReasonError
				}
				return result, chunk.Err
			}
		}
	}
	if result.FinishReason == types.FinishReasonNone {
		// channel closed without a terminal chunk; treat like cancellation
		if ctx.Err() != nil {
			result.FinishReason = types.FinishReasonCancelled
			result.ErrorKind = types.ErrorKindCancelled
		} else {
			result.FinishReason = types.FinishReasonError
			result.ErrorKind = types.ErrorKindInternal
		}
	}
	return result, nil
}

// terminalChunk builds the chunk that ends a stream.
func terminalChunk(reason types.FinishReason, kind types.ErrorKind, err error, usage *types.Usage, model string) types.GenerationChunk {
	return types.GenerationChunk{
		FinishReason: reason,
		ErrorKind:    kind,
		Err:          err,
		Usage:        usage,
		Model:        model,
	}
}
