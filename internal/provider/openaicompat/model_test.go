package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
	"github.com/zhouzirui/llm-hub/backend/internal/provider"
)

func newTestModel(t *testing.T, handler http.HandlerFunc) *ChatModel {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m, err := NewChatModel(provider.Config{Name: "deepseek", APIKey: "sk-test", BaseURL: srv.URL, Model: "deepseek-chat"})
	require.NoError(t, err)
	return m
}

func TestGenerate(t *testing.T) {
	var got request
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`)
	})

	msg, err := m.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("sys"),
		schema.UserMessage("Hello"),
	}, model.WithMaxTokens(64))
	require.NoError(t, err)
	require.Equal(t, "Hi there", msg.Content)
	require.Equal(t, 7, msg.ResponseMeta.Usage.TotalTokens)
	require.Equal(t, "stop", msg.ResponseMeta.FinishReason)

	require.Equal(t, "deepseek-chat", got.Model)
	require.Equal(t, 64, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0].Role)
}

func TestGenerateNoChoices(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	})

	_, err := m.Generate(context.Background(), []*schema.Message{schema.UserMessage("Hello")})
	require.ErrorIs(t, err, apperr.ErrUpstreamProtocol)
}

func TestGenerateServerError(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := m.Generate(context.Background(), []*schema.Message{schema.UserMessage("Hello")})
	require.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
}

func TestStream(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, data := range []string{
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2}}`,
			`[DONE]`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	})

	sr, err := m.Stream(context.Background(), []*schema.Message{schema.UserMessage("Hello")})
	require.NoError(t, err)
	defer sr.Close()

	var (
		text   strings.Builder
		chunks []*schema.Message
	)
	for {
		c, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
		text.WriteString(c.Content)
	}

	require.Equal(t, "Hello", text.String())
	last := chunks[len(chunks)-1]
	require.Equal(t, 5, last.ResponseMeta.Usage.TotalTokens)
}

func TestStreamMissingDone(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
	})

	sr, err := m.Stream(context.Background(), []*schema.Message{schema.UserMessage("Hello")})
	require.NoError(t, err)
	defer sr.Close()

	c, err := sr.Recv()
	require.NoError(t, err)
	require.Equal(t, "Hel", c.Content)

	_, err = sr.Recv()
	require.ErrorIs(t, err, apperr.ErrUpstreamProtocol)
}
