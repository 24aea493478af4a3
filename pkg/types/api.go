package types

import (
	"encoding/json"
	"fmt"
)

// CompletionAPIRequest is the body of POST /v1/completions. Optional fields
// are pointers so unset and explicitly-default values fingerprint the same
// after defaults are applied.
type CompletionAPIRequest struct {
	Model         string   `json:"model,omitempty"`
	Prompt        string   `json:"prompt"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Temperature   *float32 `json:"temperature,omitempty"`
	TopP          *float32 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float32 `json:"repeat_penalty,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
}

// ChatCompletionAPIRequest is the body of POST /v1/chat/completions.
type ChatCompletionAPIRequest struct {
	Model         string        `json:"model,omitempty"`
	Messages      []ChatMessage `json:"messages"`
	MaxTokens     *int          `json:"max_tokens,omitempty"`
	Temperature   *float32      `json:"temperature,omitempty"`
	TopP          *float32      `json:"top_p,omitempty"`
	TopK          *int          `json:"top_k,omitempty"`
	RepeatPenalty *float32      `json:"repeat_penalty,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	Stop          []string      `json:"stop,omitempty"`
	Seed          *int          `json:"seed,omitempty"`
}

// EmbeddingInput accepts either a single string or an array of strings, as
// the OpenAI embeddings endpoint does.
type EmbeddingInput []string

func (e *EmbeddingInput) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*e = EmbeddingInput{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("input must be a string or an array of strings")
	}
	*e = EmbeddingInput(many)
	return nil
}

func (e EmbeddingInput) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(e))
}

type EmbeddingsAPIRequest struct {
	Model string         `json:"model,omitempty"`
	Input EmbeddingInput `json:"input"`
}

const (
	WSJobCompletion = "completion"
	WSJobChat       = "chat"

	WSFrameCompletionChunk    = "completion_chunk"
	WSFrameCompletionFinished = "completion_finished"
	WSFrameChatChunk          = "chat_chunk"
	WSFrameChatFinished       = "chat_finished"
)

// WSJobRequest is one inbound frame on /ws/completions. Type selects between
// a completion job (Prompt) and a chat job (Messages); the sampling fields
// mirror the HTTP bodies.
type WSJobRequest struct {
	Type          string        `json:"type"`
	ID            string        `json:"id,omitempty"`
	Prompt        string        `json:"prompt,omitempty"`
	Messages      []ChatMessage `json:"messages,omitempty"`
	Model         string        `json:"model,omitempty"`
	MaxTokens     *int          `json:"max_tokens,omitempty"`
	Temperature   *float32      `json:"temperature,omitempty"`
	TopP          *float32      `json:"top_p,omitempty"`
	TopK          *int          `json:"top_k,omitempty"`
	RepeatPenalty *float32      `json:"repeat_penalty,omitempty"`
	Stop          []string      `json:"stop,omitempty"`
	Seed          *int          `json:"seed,omitempty"`
}

// WSFrame is an outbound frame: a chunk, a finish marker, or an error.
type WSFrame struct {
	ID           string `json:"id,omitempty"`
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

type CacheStats struct {
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Size       int     `json:"size"`
	Capacity   int     `json:"capacity"`
	TTLSeconds int     `json:"ttl_seconds"`
	InFlight   int     `json:"in_flight"`
}

type StatusResponse struct {
	Status        string     `json:"status"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	Model         string     `json:"model"`
	Backend       string     `json:"backend"`
	Connections   int        `json:"connections"`
	Cache         CacheStats `json:"cache"`
}

type ConfigUpdateResponse struct {
	Status         string `json:"status"`
	ReloadRequired bool   `json:"reload_required"`
}
