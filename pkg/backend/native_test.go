package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcforged/pylot/pkg/types"
)

// fakeLlamaServer emulates the llama-server loopback API closely enough to
// exercise the adapter: token-per-event SSE on /completion, plus the
// tokenize/detokenize/embedding/props endpoints.
type fakeLlamaServer struct {
	tokens    []string
	stopLimit bool
	// blockForever holds every completion open until the client goes away,
	// for cancellation tests
	blockForever bool
}

func (f *fakeLlamaServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/props", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"default_generation_settings":{"n_ctx":2048}}`)
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		if f.blockForever {
			fmt.Fprint(w, "data: {\"content\":\"first\",\"stop\":false}\n\n")
			flusher.Flush()
			<-r.Context().Done()
			return
		}
		for _, tok := range f.tokens {
			event, _ := json.Marshal(llamaCompletionChunk{Content: tok})
			fmt.Fprintf(w, "data: %s\n\n", event)
			flusher.Flush()
		}
		final, _ := json.Marshal(llamaCompletionChunk{
			Stop:            true,
			StoppedEOS:      !f.stopLimit,
			StoppedLimit:    f.stopLimit,
			TokensPredicted: len(f.tokens),
			TokensEvaluated: 3,
		})
		fmt.Fprintf(w, "data: %s\n\n", final)
		flusher.Flush()
	})
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		tokens := make([]int, 0)
		for i := range in.Content {
			if i%4 == 0 {
				tokens = append(tokens, i)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tokens": tokens})
	})
	mux.HandleFunc("/detokenize", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "hello world"})
	})
	mux.HandleFunc("/embedding", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
	})
	return mux
}

func newTestNative(t *testing.T, fake *fakeLlamaServer, embeddings bool) *NativeBackend {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	n := NewNative(NativeConfig{
		ModelPath:  "models/test-model.Q4_K_M.gguf",
		Embeddings: embeddings,
	})
	n.client = newLlamaClient(srv.URL)
	n.maxContext = 2048
	return n
}

func TestModelIDFromPath(t *testing.T) {
	assert.Equal(t, "llama-3-8b.Q4_K_M", modelIDFromPath("/opt/models/llama-3-8b.Q4_K_M.gguf"))
	assert.Equal(t, "model", modelIDFromPath("model.gguf"))
}

func TestNativeStreamTerminatesWithStop(t *testing.T) {
	n := newTestNative(t, &fakeLlamaServer{tokens: []string{"Hello", ", ", "world"}}, false)

	stream, err := n.GenerateStream(context.Background(), types.GenerationRequest{Prompt: "hi"})
	require.NoError(t, err)

	var chunks []types.GenerationChunk
	for chunk := range stream {
		chunks = append(chunks, chunk)
	}
	require.NotEmpty(t, chunks)

	terminal := chunks[len(chunks)-1]
	assert.Equal(t, types.FinishReasonStop, terminal.FinishReason)
	require.NotNil(t, terminal.Usage)
	assert.Equal(t, 3, terminal.Usage.CompletionTokens)
	assert.Equal(t, 3, terminal.Usage.PromptTokens)
	assert.Equal(t, 6, terminal.Usage.TotalTokens)

	// exactly one terminal chunk, and it is last
	for _, chunk := range chunks[:len(chunks)-1] {
		assert.False(t, chunk.Terminal())
	}

	var text string
	for _, chunk := range chunks {
		text += chunk.Delta
	}
	assert.Equal(t, "Hello, world", text)
}

func TestNativeStreamLengthFinish(t *testing.T) {
	n := newTestNative(t, &fakeLlamaServer{tokens: []string{"a"}, stopLimit: true}, false)

	result, err := n.Generate(context.Background(), types.GenerationRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, types.FinishReasonLength, result.FinishReason)
	assert.Equal(t, "a", result.Text)
	assert.Equal(t, "test-model.Q4_K_M", result.Model)
}

func TestNativeStreamCancellation(t *testing.T) {
	n := newTestNative(t, &fakeLlamaServer{blockForever: true}, false)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := n.GenerateStream(ctx, types.GenerationRequest{Prompt: "hi"})
	require.NoError(t, err)

	// read the first chunk, then hang up
	first := <-stream
	assert.Equal(t, "first", first.Delta)
	cancel()

	var terminal types.GenerationChunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				assert.Equal(t, types.FinishReasonCancelled, terminal.FinishReason)
				assert.Equal(t, types.ErrorKindCancelled, terminal.ErrorKind)
				return
			}
			terminal = chunk
		case <-deadline:
			t.Fatal("stream did not terminate after cancellation")
		}
	}
}

func TestNativeStreamCancelRaceKeepsTerminalChunk(t *testing.T) {
	n := newTestNative(t, &fakeLlamaServer{tokens: []string{"a", "b", "c"}}, false)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := n.GenerateStream(ctx, types.GenerationRequest{Prompt: "hi"})
	require.NoError(t, err)

	// hang up before consuming anything, so the cancellation races the stop
	// event; the drained stream must still end with a terminal chunk
	cancel()

	var last types.GenerationChunk
	var count int
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				require.Positive(t, count)
				assert.True(t, last.Terminal(), "stream closed without a terminal chunk")
				return
			}
			last = chunk
			count++
		case <-deadline:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestNativeChatFormatsRoleTaggedPrompt(t *testing.T) {
	messages := []types.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "bye"},
	}
	prompt := formatChatPrompt(messages)
	assert.Equal(t, "### System:\nbe brief\n### User:\nhi\n### Assistant:\nhello\n### User:\nbye\n### Assistant:\n", prompt)
}

func TestNativeCountTokensUsesRuntimeTokenizer(t *testing.T) {
	n := newTestNative(t, &fakeLlamaServer{}, false)
	count, err := n.CountTokens(context.Background(), "twelve chars")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestNativeDetokenize(t *testing.T) {
	n := newTestNative(t, &fakeLlamaServer{}, false)
	text, err := n.Detokenize(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestNativeEmbedRequiresCapability(t *testing.T) {
	withoutEmbeddings := newTestNative(t, &fakeLlamaServer{}, false)
	_, err := withoutEmbeddings.Embed(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, ErrNotSupported)

	withEmbeddings := newTestNative(t, &fakeLlamaServer{}, true)
	vectors, err := withEmbeddings.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vectors[0])
}

func TestNativeShutdownIdempotent(t *testing.T) {
	n := newTestNative(t, &fakeLlamaServer{}, false)
	require.NoError(t, n.Shutdown(context.Background()))
	require.NoError(t, n.Shutdown(context.Background()))

	_, err := n.GenerateStream(context.Background(), types.GenerationRequest{Prompt: "hi"})
	assert.Error(t, err, "streams must be refused after shutdown")
}

func TestNativeSerialisesHandleAccess(t *testing.T) {
	n := newTestNative(t, &fakeLlamaServer{tokens: []string{"x"}}, false)

	// two concurrent calls both succeed; the mutex queues them
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := n.Generate(context.Background(), types.GenerationRequest{Prompt: "hi"})
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}
}
