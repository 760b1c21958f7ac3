package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
)

func testConfig(t *testing.T, url string) Config {
	t.Helper()
	cfg, err := Config{Name: "test", APIKey: "k", Model: "m", BaseURL: url}.Normalize("")
	require.NoError(t, err)
	return cfg
}

func TestPostClassifiesStatus(t *testing.T) {
	cases := map[int]error{
		http.StatusTooManyRequests:     apperr.ErrUpstreamRateLimited,
		http.StatusInternalServerError: apperr.ErrUpstreamUnavailable,
		http.StatusServiceUnavailable:  apperr.ErrUpstreamUnavailable,
		http.StatusBadRequest:          apperr.ErrUpstreamUnavailable,
		http.StatusUnauthorized:        apperr.ErrUpstreamUnavailable,
	}

	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		cfg := testConfig(t, srv.URL)

		_, err := cfg.Post(context.Background(), srv.URL, nil, map[string]string{})
		require.ErrorIs(t, err, want, "status %d", status)
		srv.Close()
	}
}

func TestPostTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	cfg := testConfig(t, url)
	_, err := cfg.Post(context.Background(), url, nil, struct{}{})
	require.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
}

func TestTransportErrorKeepsContextCause(t *testing.T) {
	err := TransportError("test", context.DeadlineExceeded)
	require.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNormalizeRequiresKeyAndModel(t *testing.T) {
	_, err := Config{Name: "x", Model: "m"}.Normalize("https://example.com")
	require.Error(t, err)
	_, err = Config{Name: "x", APIKey: "k"}.Normalize("https://example.com")
	require.Error(t, err)

	cfg, err := Config{Name: "x", APIKey: "k", Model: "m"}.Normalize("https://example.com/v1/")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/v1", cfg.BaseURL)
	require.Equal(t, 1024, cfg.MaxTokens)
}

func TestOptionsOverride(t *testing.T) {
	cfg := testConfig(t, "http://localhost")
	opts := cfg.Options(model.WithModel("other"), model.WithMaxTokens(5))
	require.Equal(t, "other", *opts.Model)
	require.Equal(t, 5, *opts.MaxTokens)
	require.Nil(t, opts.Temperature)
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]*schema.Message{
		schema.SystemMessage("be brief"),
		schema.UserMessage("hi"),
		schema.SystemMessage("  "),
		schema.AssistantMessage("hello", nil),
	})
	require.Equal(t, "be brief", system)
	require.Len(t, rest, 2)
	require.Equal(t, schema.User, rest[0].Role)
}
