// Package provider holds the HTTP plumbing shared by the upstream chat model
// adapters: request dispatch, status classification and SSE decoding.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
)

// maxErrorBody bounds how much of an error response is kept for logs.
const maxErrorBody = 512

// Config is the connection setup common to every adapter.
type Config struct {
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature *float32
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Normalize fills defaults and validates required fields.
func (c Config) Normalize(defaultBaseURL string) (Config, error) {
	if c.APIKey == "" {
		return c, fmt.Errorf("%s: api key is required", c.Name)
	}
	if c.Model == "" {
		return c, fmt.Errorf("%s: model is required", c.Name)
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.HTTPClient == nil {
		// No client timeout: streams are bounded by the caller's context.
		c.HTTPClient = &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("provider", c.Name)
	return c, nil
}

// Options resolves per-call eino options against the configured defaults.
func (c Config) Options(opts ...model.Option) *model.Options {
	modelName := c.Model
	maxTokens := c.MaxTokens
	return model.GetCommonOptions(&model.Options{
		Model:       &modelName,
		MaxTokens:   &maxTokens,
		Temperature: c.Temperature,
	}, opts...)
}

// Post sends body as JSON and returns the response when the status is 2xx.
// Any other outcome is returned as a classified error.
func (c Config) Post(ctx context.Context, url string, headers map[string]string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", c.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, TransportError(c.Name, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	c.Logger.Warn("upstream request rejected",
		"status", resp.StatusCode,
		"body", string(snippet),
	)
	return nil, StatusError(c.Name, resp.StatusCode)
}

// StatusError classifies a non-2xx upstream status.
func StatusError(name string, status int) error {
	cause := fmt.Errorf("%s: unexpected status %d", name, status)
	if status == http.StatusTooManyRequests {
		return apperr.Wrap(apperr.ErrUpstreamRateLimited, "The AI service is rate limited, please retry shortly", cause)
	}
	return apperr.Wrap(apperr.ErrUpstreamUnavailable, "The AI service is unavailable", cause)
}

// TransportError classifies a failure to reach or read from the upstream.
// Context errors stay reachable through errors.Is.
func TransportError(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.ErrUpstreamUnavailable, "The AI service timed out", fmt.Errorf("%s: %w", name, err))
	}
	return apperr.Wrap(apperr.ErrUpstreamUnavailable, "The AI service is unavailable", fmt.Errorf("%s: %w", name, err))
}

// ProtocolError reports an upstream payload that could not be understood.
func ProtocolError(name string, err error) error {
	return apperr.Wrap(apperr.ErrUpstreamProtocol, "The AI service returned an invalid response", fmt.Errorf("%s: %w", name, err))
}

// Usage converts provider token counts to eino's shape.
func Usage(prompt, completion int) *schema.ResponseMeta {
	return &schema.ResponseMeta{Usage: &schema.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}}
}

// SplitSystem separates system messages from the conversational turns.
func SplitSystem(input []*schema.Message) (string, []*schema.Message) {
	var system []string
	rest := make([]*schema.Message, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		if msg.Role == schema.System {
			if strings.TrimSpace(msg.Content) != "" {
				system = append(system, msg.Content)
			}
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}
