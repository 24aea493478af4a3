package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/gcforged/pylot/pkg/types"
)

// fingerprintDocument is the canonical form a request is reduced to before
// hashing. Field order is fixed by the struct; stop sequences are sorted; all
// sampling fields are fully resolved (defaults applied) by the caller.
type fingerprintDocument struct {
	Model         string              `json:"model"`
	Prompt        string              `json:"prompt,omitempty"`
	Messages      []types.ChatMessage `json:"messages,omitempty"`
	MaxTokens     int                 `json:"max_tokens"`
	Temperature   float32             `json:"temperature"`
	TopP          float32             `json:"top_p"`
	TopK          int                 `json:"top_k"`
	RepeatPenalty float32             `json:"repeat_penalty"`
	Stop          []string            `json:"stop,omitempty"`
	Seed          *int                `json:"seed,omitempty"`
}

// FingerprintCompletion computes the cache key for a completion request.
// Requests that differ only in stop-sequence order or in unset-vs-default
// parameters produce the same fingerprint. When canonicalizePrompt is set,
// trailing whitespace on the prompt does not change the key either.
func FingerprintCompletion(model string, req types.GenerationRequest, canonicalizePrompt bool) string {
	prompt := req.Prompt
	if canonicalizePrompt {
		prompt = strings.TrimRight(prompt, " \t\r\n")
	}
	return hashDocument(fingerprintDocument{
		Model:         model,
		Prompt:        prompt,
		MaxTokens:     req.Params.MaxTokens,
		Temperature:   req.Params.Temperature,
		TopP:          req.Params.TopP,
		TopK:          req.Params.TopK,
		RepeatPenalty: req.Params.RepeatPenalty,
		Stop:          req.Params.SortedStop(),
		Seed:          req.Params.Seed,
	})
}

// FingerprintChat computes the cache key for a chat request. Message order is
// part of the conversation and is preserved.
func FingerprintChat(model string, req types.ChatRequest, canonicalizePrompt bool) string {
	messages := req.Messages
	if canonicalizePrompt && len(messages) > 0 {
		trimmed := make([]types.ChatMessage, len(messages))
		copy(trimmed, messages)
		last := &trimmed[len(trimmed)-1]
		last.Content = strings.TrimRight(last.Content, " \t\r\n")
		messages = trimmed
	}
	return hashDocument(fingerprintDocument{
		Model:         model,
		Messages:      messages,
		MaxTokens:     req.Params.MaxTokens,
		Temperature:   req.Params.Temperature,
		TopP:          req.Params.TopP,
		TopK:          req.Params.TopK,
		RepeatPenalty: req.Params.RepeatPenalty,
		Stop:          req.Params.SortedStop(),
		Seed:          req.Params.Seed,
	})
}

func hashDocument(doc fingerprintDocument) string {
	// encoding/json marshals struct fields in declaration order, which makes
	// the document canonical without further normalisation
	data, err := json.Marshal(doc)
	if err != nil {
		// the document contains only plain values; this cannot happen
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
