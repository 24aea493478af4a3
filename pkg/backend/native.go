package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gcforged/pylot/pkg/types"
)

const (
	nativeStartTimeout = 120 * time.Second
	nativeHealthPoll   = 250 * time.Millisecond
)

// NativeConfig describes one llama-server instance.
type NativeConfig struct {
	Binary     string
	ModelPath  string
	Runtime    types.RuntimeParameters
	Embeddings bool
	// StartTimeout overrides the default model-load wait when > 0.
	StartTimeout time.Duration
}

// NativeBackend owns a llama-server subprocess bound to loopback and talks to
// it over the runtime's own JSON API. The single model context is not safe
// for concurrent calls, so generate/chat/embed serialise on an internal
// mutex; tokenize and detokenize are stateless on the server side and skip
// the lock.
type NativeBackend struct {
	cfg    NativeConfig
	client *llamaClient

	cmd        *exec.Cmd
	procCancel context.CancelFunc

	mu         sync.Mutex
	maxContext int
	modelID    string
	stopped    atomic.Bool
}

func NewNative(cfg NativeConfig) *NativeBackend {
	if cfg.Binary == "" {
		cfg.Binary = "llama-server"
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = nativeStartTimeout
	}
	return &NativeBackend{
		cfg:     cfg,
		modelID: modelIDFromPath(cfg.ModelPath),
	}
}

// modelIDFromPath derives the served model id from the file basename, sans
// extension: "models/llama-3-8b.Q4_K_M.gguf" -> "llama-3-8b.Q4_K_M".
func modelIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Start spawns the runtime and blocks until it reports healthy. The HTTP port
// is never bound by the gateway before this returns.
func (n *NativeBackend) Start(ctx context.Context) error {
	port, err := freePort()
	if err != nil {
		return fmt.Errorf("finding free port for llama-server: %w", err)
	}

	args := []string{
		"--model", n.cfg.ModelPath,
		"--host", "127.0.0.1",
		"--port", fmt.Sprintf("%d", port),
		"--ctx-size", fmt.Sprintf("%d", n.cfg.Runtime.ContextSize),
		"--batch-size", fmt.Sprintf("%d", n.cfg.Runtime.BatchSize),
		"--threads", fmt.Sprintf("%d", n.cfg.Runtime.Threads),
		"--n-gpu-layers", fmt.Sprintf("%d", n.cfg.Runtime.GPULayers),
	}
	if len(n.cfg.Runtime.TensorSplit) > 0 {
		// opaque pass-through, the runtime owns the semantics
		parts := make([]string, len(n.cfg.Runtime.TensorSplit))
		for i, v := range n.cfg.Runtime.TensorSplit {
			parts[i] = fmt.Sprintf("%g", v)
		}
		args = append(args, "--tensor-split", strings.Join(parts, ","))
	}
	if n.cfg.Runtime.RopeFreqBase > 0 {
		args = append(args, "--rope-freq-base", fmt.Sprintf("%g", n.cfg.Runtime.RopeFreqBase))
	}
	if n.cfg.Runtime.RopeFreqScale > 0 {
		args = append(args, "--rope-freq-scale", fmt.Sprintf("%g", n.cfg.Runtime.RopeFreqScale))
	}
	if n.cfg.Embeddings {
		args = append(args, "--embedding")
	}

	procCtx, cancel := context.WithCancel(context.Background())
	n.procCancel = cancel

	cmd := exec.CommandContext(procCtx, n.cfg.Binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("piping llama-server stderr: %w", err)
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug().Str("component", "llama-server").Msg(scanner.Text())
		}
	}()

	log.Info().
		Str("binary", n.cfg.Binary).
		Str("model", n.cfg.ModelPath).
		Int("port", port).
		Int("threads", n.cfg.Runtime.Threads).
		Int("ctx_size", n.cfg.Runtime.ContextSize).
		Int("gpu_layers", n.cfg.Runtime.GPULayers).
		Msg("starting llama-server")

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("starting %s: %w", n.cfg.Binary, err)
	}
	n.cmd = cmd
	n.client = newLlamaClient(fmt.Sprintf("http://127.0.0.1:%d", port))

	if err := n.waitReady(ctx); err != nil {
		_ = n.Shutdown(context.Background())
		return fmt.Errorf("waiting for llama-server: %w", err)
	}

	if props, err := n.client.props(ctx); err != nil {
		log.Warn().Err(err).Msg("could not read llama-server props, using configured context size")
		n.maxContext = n.cfg.Runtime.ContextSize
	} else {
		n.maxContext = props.DefaultGenerationSettings.NCtx
	}
	log.Info().Int("max_context", n.maxContext).Msg("llama-server ready")
	return nil
}

func (n *NativeBackend) waitReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, n.cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(nativeHealthPoll)
	defer ticker.Stop()
	for {
		select {
		case <-readyCtx.Done():
			return readyCtx.Err()
		case <-ticker.C:
			if n.client.healthy(readyCtx) {
				return nil
			}
		}
	}
}

func (n *NativeBackend) Generate(ctx context.Context, req types.GenerationRequest) (types.GenerationResult, error) {
	stream, err := n.GenerateStream(ctx, req)
	if err != nil {
		return types.GenerationResult{FinishReason: types.FinishReasonError, Model: n.modelID}, err
	}
	started := time.Now()
	result, err := collectStream(ctx, stream, n.modelID)
	result.WallMS = time.Since(started).Milliseconds()
	return result, err
}

func (n *NativeBackend) Chat(ctx context.Context, req types.ChatRequest) (types.GenerationResult, error) {
	stream, err := n.ChatStream(ctx, req)
	if err != nil {
		return types.GenerationResult{FinishReason: types.FinishReasonError, Model: n.modelID}, err
	}
	started := time.Now()
	result, err := collectStream(ctx, stream, n.modelID)
	result.WallMS = time.Since(started).Milliseconds()
	return result, err
}

func (n *NativeBackend) GenerateStream(ctx context.Context, req types.GenerationRequest) (<-chan types.GenerationChunk, error) {
	return n.stream(ctx, req.Prompt, req.Params)
}

func (n *NativeBackend) ChatStream(ctx context.Context, req types.ChatRequest) (<-chan types.GenerationChunk, error) {
	return n.stream(ctx, formatChatPrompt(req.Messages), req.Params)
}

// stream holds the handle lock for the full duration of the generation: the
// llama context cannot serve two requests at once.
func (n *NativeBackend) stream(ctx context.Context, prompt string, params types.GenerationParams) (<-chan types.GenerationChunk, error) {
	if n.stopped.Load() {
		return nil, fmt.Errorf("backend is shut down")
	}

	out := make(chan types.GenerationChunk)
	go func() {
		defer close(out)
		n.mu.Lock()
		defer n.mu.Unlock()

		// Consumers drain the channel, so the terminal chunk is sent without a
		// ctx guard: a cancellation racing the stop event must not leave the
		// stream without a terminal chunk.
		terminalSent := false
		err := n.client.completionStream(ctx, prompt, params, func(chunk llamaCompletionChunk) {
			if chunk.Stop {
				usage := &types.Usage{
					PromptTokens:     chunk.TokensEvaluated,
					CompletionTokens: chunk.TokensPredicted,
					TotalTokens:      chunk.TokensEvaluated + chunk.TokensPredicted,
				}
				reason := types.FinishReasonStop
				if chunk.StoppedLimit {
					reason = types.FinishReasonLength
				}
				if chunk.Content != "" {
					select {
					case out <- types.GenerationChunk{Delta: chunk.Content, Model: n.modelID}:
					case <-ctx.Done():
					}
				}
				out <- terminalChunk(reason, types.ErrorKindNone, nil, usage, n.modelID)
				terminalSent = true
				return
			}
			select {
			case out <- types.GenerationChunk{Delta: chunk.Content, Model: n.modelID}:
			case <-ctx.Done():
			}
		})
		if terminalSent {
			return
		}
		switch {
		case ctx.Err() != nil:
			out <- terminalChunk(types.FinishReasonCancelled, types.ErrorKindCancelled, nil, nil, n.modelID)
		case err != nil:
			out <- terminalChunk(types.FinishReasonError, types.ErrorKindUpstreamIO, err, nil, n.modelID)
		default:
			// the upstream closed the event stream without a stop event
			out <- terminalChunk(types.FinishReasonStop, types.ErrorKindNone, nil, nil, n.modelID)
		}
	}()
	return out, nil
}

func (n *NativeBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if !n.cfg.Embeddings {
		return nil, fmt.Errorf("runtime loaded without embedding capability: %w", ErrNotSupported)
	}
	if n.stopped.Load() {
		return nil, fmt.Errorf("backend is shut down")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := n.client.embedding(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text: %w", err)
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

func (n *NativeBackend) CountTokens(ctx context.Context, text string) (int, error) {
	tokens, err := n.client.tokenize(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("tokenizing: %w", err)
	}
	return len(tokens), nil
}

func (n *NativeBackend) Detokenize(ctx context.Context, tokens []int) (string, error) {
	text, err := n.client.detokenize(ctx, tokens)
	if err != nil {
		return "", fmt.Errorf("detokenizing: %w", err)
	}
	return text, nil
}

func (n *NativeBackend) MaxContext() int {
	return n.maxContext
}

func (n *NativeBackend) ModelID() string {
	return n.modelID
}

// Shutdown kills the runtime process. Safe to call more than once.
func (n *NativeBackend) Shutdown(_ context.Context) error {
	if !n.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if n.procCancel != nil {
		n.procCancel()
	}
	if n.cmd != nil && n.cmd.Process != nil {
		log.Info().Int("pid", n.cmd.Process.Pid).Msg("stopping llama-server")
		_ = n.cmd.Process.Kill()
		_ = n.cmd.Wait()
	}
	return nil
}

// formatChatPrompt renders a message list into the plain role-tagged template
// the base model is prompted with.
func formatChatPrompt(messages []types.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "system":
			b.WriteString("### System:\n")
		case "assistant":
			b.WriteString("### Assistant:\n")
		default:
			b.WriteString("### User:\n")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("### Assistant:\n")
	return b.String()
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// llamaClient speaks the llama-server JSON API on loopback.
type llamaClient struct {
	baseURL string
	client  *http.Client
}

func newLlamaClient(baseURL string) *llamaClient {
	return &llamaClient{
		baseURL: baseURL,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type llamaCompletionRequest struct {
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float32  `json:"temperature"`
	TopK          int      `json:"top_k"`
	TopP          float32  `json:"top_p"`
	RepeatPenalty float32  `json:"repeat_penalty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	Stream        bool     `json:"stream"`
	CachePrompt   bool     `json:"cache_prompt"`
}

type llamaCompletionChunk struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	StoppedEOS      bool   `json:"stopped_eos"`
	StoppedWord     bool   `json:"stopped_word"`
	StoppedLimit    bool   `json:"stopped_limit"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
}

type llamaProps struct {
	DefaultGenerationSettings struct {
		NCtx int `json:"n_ctx"`
	} `json:"default_generation_settings"`
}

func (c *llamaClient) healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *llamaClient) props(ctx context.Context) (*llamaProps, error) {
	var props llamaProps
	if err := c.getJSON(ctx, "/props", &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// completionStream POSTs /completion with stream=true and invokes onChunk per
// SSE data event until the terminal stop chunk or context cancellation.
func (c *llamaClient) completionStream(ctx context.Context, prompt string, params types.GenerationParams, onChunk func(llamaCompletionChunk)) error {
	body := llamaCompletionRequest{
		Prompt:        prompt,
		NPredict:      params.MaxTokens,
		Temperature:   params.Temperature,
		TopK:          params.TopK,
		TopP:          params.TopP,
		RepeatPenalty: params.RepeatPenalty,
		Stop:          params.Stop,
		Seed:          params.Seed,
		Stream:        true,
		CachePrompt:   true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completion", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llama-server /completion returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk llamaCompletionChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			return fmt.Errorf("parsing llama-server stream event: %w", err)
		}
		onChunk(chunk)
		if chunk.Stop {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (c *llamaClient) tokenize(ctx context.Context, text string) ([]int, error) {
	var out struct {
		Tokens []int `json:"tokens"`
	}
	if err := c.postJSON(ctx, "/tokenize", map[string]any{"content": text}, &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

func (c *llamaClient) detokenize(ctx context.Context, tokens []int) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := c.postJSON(ctx, "/detokenize", map[string]any{"tokens": tokens}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

func (c *llamaClient) embedding(ctx context.Context, text string) ([]float32, error) {
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := c.postJSON(ctx, "/embedding", map[string]any{"content": text}, &out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

func (c *llamaClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *llamaClient) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *llamaClient) doJSON(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llama-server %s returned %d", req.URL.Path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
