// Package claude adapts the Anthropic Messages API to eino's chat model
// interface.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
	"github.com/zhouzirui/llm-hub/backend/internal/provider"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	DefaultModel     = "claude-3-5-sonnet-20241022"
	anthropicVersion = "2023-06-01"
)

// ChatModel calls POST {base}/messages.
type ChatModel struct {
	cfg provider.Config
}

var _ model.BaseChatModel = (*ChatModel)(nil)

// NewChatModel validates cfg and returns a ready adapter.
func NewChatModel(cfg provider.Config) (*ChatModel, error) {
	cfg.Name = "claude"
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cfg, err := cfg.Normalize(DefaultBaseURL)
	if err != nil {
		return nil, err
	}
	return &ChatModel{cfg: cfg}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type response struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage usage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage usage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate returns the complete reply, joining every text block. The first
// content block must be text.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	resp, err := m.cfg.Post(ctx, m.cfg.BaseURL+"/messages", m.headers(), m.buildRequest(input, false, opts))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, provider.TransportError(m.cfg.Name, ctx.Err())
		}
		return nil, provider.ProtocolError(m.cfg.Name, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Content) == 0 || out.Content[0].Type != "text" {
		return nil, provider.ProtocolError(m.cfg.Name, errors.New("unexpected response format from Claude API"))
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	msg := schema.AssistantMessage(text.String(), nil)
	msg.ResponseMeta = provider.Usage(out.Usage.InputTokens, out.Usage.OutputTokens)
	msg.ResponseMeta.FinishReason = out.StopReason
	return msg, nil
}

// Stream returns text deltas as they arrive. The final chunk carries usage.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	headers := m.headers()
	headers["Accept"] = "text/event-stream"

	resp, err := m.cfg.Post(ctx, m.cfg.BaseURL+"/messages", headers, m.buildRequest(input, true, opts))
	if err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](16)
	go func() {
		defer sw.Close()
		defer resp.Body.Close()

		events := provider.NewEventReader(resp.Body)
		var promptTokens int
		for {
			ev, err := events.Next()
			if errors.Is(err, io.EOF) {
				sw.Send(nil, provider.ProtocolError(m.cfg.Name, errors.New("stream ended before message_stop")))
				return
			}
			if err != nil {
				sw.Send(nil, m.readError(ctx, err))
				return
			}
			if ev.Data == "" {
				continue
			}

			var payload streamEvent
			if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
				sw.Send(nil, provider.ProtocolError(m.cfg.Name, fmt.Errorf("decode %s event: %w", ev.Name, err)))
				return
			}
			if payload.Type == "" {
				payload.Type = ev.Name
			}

			switch payload.Type {
			case "message_start":
				promptTokens = payload.Message.Usage.InputTokens
			case "content_block_delta":
				if payload.Delta.Type != "" && payload.Delta.Type != "text_delta" {
					continue
				}
				if payload.Delta.Text == "" {
					continue
				}
				if sw.Send(schema.AssistantMessage(payload.Delta.Text, nil), nil) {
					return
				}
			case "message_delta":
				chunk := schema.AssistantMessage("", nil)
				chunk.ResponseMeta = provider.Usage(promptTokens, payload.Usage.OutputTokens)
				chunk.ResponseMeta.FinishReason = payload.Delta.StopReason
				if sw.Send(chunk, nil) {
					return
				}
			case "message_stop":
				return
			case "error":
				sw.Send(nil, streamFailure(payload.Error.Type, payload.Error.Message))
				return
			}
		}
	}()

	return sr, nil
}

func (m *ChatModel) buildRequest(input []*schema.Message, stream bool, opts []model.Option) request {
	options := m.cfg.Options(opts...)
	system, turns := provider.SplitSystem(input)

	msgs := make([]message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, message{Role: string(t.Role), Content: t.Content})
	}

	return request{
		Model:       *options.Model,
		MaxTokens:   *options.MaxTokens,
		System:      system,
		Messages:    msgs,
		Temperature: options.Temperature,
		Stream:      stream,
	}
}

func (m *ChatModel) headers() map[string]string {
	return map[string]string{
		"x-api-key":         m.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

func (m *ChatModel) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return provider.TransportError(m.cfg.Name, ctx.Err())
	}
	return provider.TransportError(m.cfg.Name, err)
}

func streamFailure(kind, msg string) error {
	cause := fmt.Errorf("claude: %s: %s", kind, msg)
	switch kind {
	case "rate_limit_error":
		return apperr.Wrap(apperr.ErrUpstreamRateLimited, "The AI service is rate limited, please retry shortly", cause)
	case "invalid_request_error":
		return apperr.Wrap(apperr.ErrUpstreamProtocol, "The AI service rejected the request", cause)
	default:
		return apperr.Wrap(apperr.ErrUpstreamUnavailable, "The AI service is unavailable", cause)
	}
}
