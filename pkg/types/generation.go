package types

type FinishReason string

const (
	FinishReasonNone      FinishReason = ""
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonCancelled FinishReason = "cancelled"
	FinishReasonError     FinishReason = "error"
)

// ErrorKind classifies failures at subsystem boundaries. Kinds are carried in
// result metadata so callers can map them to HTTP statuses and retry policy
// without inspecting error strings.
type ErrorKind string

const (
	ErrorKindNone             ErrorKind = ""
	ErrorKindConfigInvalid    ErrorKind = "config_invalid"
	ErrorKindModelUnavailable ErrorKind = "model_unavailable"
	ErrorKindBackendBusy      ErrorKind = "backend_busy"
	ErrorKindUnauthorized     ErrorKind = "unauthorized"
	ErrorKindRequestInvalid   ErrorKind = "request_invalid"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindCancelled        ErrorKind = "cancelled"
	ErrorKindUpstreamIO       ErrorKind = "upstream_io"
	ErrorKindUpstreamHTTP     ErrorKind = "upstream_http"
	ErrorKindNotSupported     ErrorKind = "not_supported"
	ErrorKindInternal         ErrorKind = "internal"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams are the sampling parameters shared by completion and chat
// calls. Zero values mean "unset"; ApplyDefaults fills the documented
// defaults before a request is fingerprinted or sent to a backend.
type GenerationParams struct {
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float32  `json:"temperature"`
	TopP          float32  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float32  `json:"repeat_penalty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
}

type GenerationRequest struct {
	Model  string           `json:"model,omitempty"`
	Prompt string           `json:"prompt"`
	Params GenerationParams `json:"params"`
}

type ChatRequest struct {
	Model    string           `json:"model,omitempty"`
	Messages []ChatMessage    `json:"messages"`
	Params   GenerationParams `json:"params"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type GenerationResult struct {
	Text         string       `json:"text"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	WallMS       int64        `json:"wall_ms"`
	Model        string       `json:"model"`
	ErrorKind    ErrorKind    `json:"error_kind,omitempty"`
}

// GenerationChunk is one element of a streaming response. The terminal chunk
// carries a non-empty FinishReason (or Err) and is always the last element on
// the channel before it closes.
type GenerationChunk struct {
	Delta        string
	FinishReason FinishReason
	Usage        *Usage
	Model        string
	ErrorKind    ErrorKind
	Err          error
}

// Terminal reports whether this chunk ends the stream.
func (c GenerationChunk) Terminal() bool {
	return c.FinishReason != FinishReasonNone || c.Err != nil
}
