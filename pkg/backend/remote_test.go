package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcforged/pylot/pkg/types"
)

func newRemote(t *testing.T, srv *httptest.Server) *RemoteBackend {
	t.Helper()
	return NewRemote(RemoteConfig{
		BaseURL:             srv.URL + "/v1",
		APIKey:              "test-key",
		Model:               "remote-model",
		FirstAttemptTimeout: 5 * time.Second,
		MaxRetries:          3,
	})
}

func completionJSON(text, finishReason string) string {
	return fmt.Sprintf(`{
		"id": "cmpl-1", "object": "text_completion", "created": 1, "model": "remote-model",
		"choices": [{"text": %q, "index": 0, "finish_reason": %q}],
		"usage": {"prompt_tokens": 2, "completion_tokens": 4, "total_tokens": 6}
	}`, text, finishReason)
}

func TestRemoteGenerateRetriesConnectionFailures(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			// drop the connection without an HTTP response: a transport
			// error, which the retry policy must absorb
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionJSON("recovered", "stop"))
	}))
	defer srv.Close()

	result, err := newRemote(t, srv).Generate(context.Background(), types.GenerationRequest{
		Prompt: "hi",
		Params: types.GenerationParams{MaxTokens: 8},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, types.FinishReasonStop, result.FinishReason)
	assert.Equal(t, types.ErrorKindNone, result.ErrorKind)
	assert.Equal(t, int64(3), attempts.Load(), "exactly three attempts")
	assert.Equal(t, 6, result.Usage.TotalTokens)
}

func TestRemoteGenerateDoesNotRetryHTTPErrors(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "bad request", "type": "invalid_request_error"}}`)
	}))
	defer srv.Close()

	result, err := newRemote(t, srv).Generate(context.Background(), types.GenerationRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, int64(1), attempts.Load(), "HTTP status errors are not retried")
	assert.Equal(t, types.FinishReasonError, result.FinishReason)
	assert.Equal(t, types.ErrorKindUpstreamHTTP, result.ErrorKind)
}

func TestRemoteGenerateExhaustsRetries(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		hj := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer srv.Close()

	result, err := newRemote(t, srv).Generate(context.Background(), types.GenerationRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, types.ErrorKindUpstreamIO, result.ErrorKind)
}

func TestRemoteChatStreamParsesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		deltas := []string{"Hel", "lo"}
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"id\":\"chatcmpl-1\",\"object\":\"chat.completion.chunk\",\"model\":\"remote-model\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-1\",\"object\":\"chat.completion.chunk\",\"model\":\"remote-model\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	stream, err := newRemote(t, srv).ChatStream(context.Background(), types.ChatRequest{
		Messages: []types.ChatMessage{{Role: "user", Content: "Hello"}},
	})
	require.NoError(t, err)

	var chunks []types.GenerationChunk
	for chunk := range stream {
		chunks = append(chunks, chunk)
	}
	require.NotEmpty(t, chunks)

	terminal := chunks[len(chunks)-1]
	assert.Equal(t, types.FinishReasonStop, terminal.FinishReason)
	require.NotNil(t, terminal.Usage)
	assert.Greater(t, terminal.Usage.TotalTokens, 0)

	var text string
	for _, chunk := range chunks {
		text += chunk.Delta
	}
	assert.Equal(t, "Hello", text)

	for _, chunk := range chunks[:len(chunks)-1] {
		assert.False(t, chunk.Terminal(), "only the last chunk may be terminal")
	}
}

func TestRemoteStreamOpenFailureYieldsTerminalErrorChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error": {"message": "upstream down", "type": "server_error"}}`)
	}))
	defer srv.Close()

	remote := NewRemote(RemoteConfig{BaseURL: srv.URL + "/v1", Model: "remote-model", MaxRetries: 1})
	stream, err := remote.GenerateStream(context.Background(), types.GenerationRequest{Prompt: "hi"})
	require.NoError(t, err, "stream open failures surface as a terminal chunk, not an error return")

	chunk, ok := <-stream
	require.True(t, ok)
	assert.Equal(t, types.FinishReasonError, chunk.FinishReason)
	assert.Equal(t, types.ErrorKindUpstreamHTTP, chunk.ErrorKind)
	assert.Error(t, chunk.Err)

	_, ok = <-stream
	assert.False(t, ok, "nothing follows the terminal chunk")
}

func TestRemoteEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		var body struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Input, 2)
		fmt.Fprint(w, `{
			"object": "list", "model": "remote-model",
			"data": [
				{"object": "embedding", "index": 0, "embedding": [0.1, 0.2]},
				{"object": "embedding", "index": 1, "embedding": [0.3, 0.4]}
			],
			"usage": {"prompt_tokens": 2, "total_tokens": 2}
		}`)
	}))
	defer srv.Close()

	vectors, err := newRemote(t, srv).Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
}

func TestRemoteCountTokensApproximation(t *testing.T) {
	remote := NewRemote(RemoteConfig{BaseURL: "http://unused", Model: "m"})

	count, err := remote.CountTokens(context.Background(), "12345678")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = remote.CountTokens(context.Background(), "123456789")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "ceil(len/4)")

	count, err = remote.CountTokens(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRemoteDetokenizeNotSupported(t *testing.T) {
	remote := NewRemote(RemoteConfig{BaseURL: "http://unused", Model: "m"})
	_, err := remote.Detokenize(context.Background(), []int{1})
	assert.ErrorIs(t, err, ErrNotSupported)
}
