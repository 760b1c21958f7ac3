// Package openaicompat adapts any OpenAI-style chat/completions endpoint
// (ChatGPT, DeepSeek, Grok) to eino's chat model interface.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/llm-hub/backend/internal/provider"
)

const doneMarker = "[DONE]"

// ChatModel calls POST {base}/chat/completions.
type ChatModel struct {
	cfg provider.Config
}

var _ model.BaseChatModel = (*ChatModel)(nil)

// NewChatModel validates cfg. Name should identify the vendor for logs.
func NewChatModel(cfg provider.Config) (*ChatModel, error) {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	cfg, err := cfg.Normalize("https://api.openai.com/v1")
	if err != nil {
		return nil, err
	}
	return &ChatModel{cfg: cfg}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type request struct {
	Model         string         `json:"model"`
	Messages      []message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float32       `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type response struct {
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

// Generate returns the first choice of a non-streaming completion.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	resp, err := m.cfg.Post(ctx, m.cfg.BaseURL+"/chat/completions", m.headers(), m.buildRequest(input, false, opts))
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
	if len(out.Choices) == 0 {
		return nil, provider.ProtocolError(m.cfg.Name, errors.New("response has no choices"))
	}

	msg := schema.AssistantMessage(out.Choices[0].Message.Content, nil)
	msg.ResponseMeta = &schema.ResponseMeta{FinishReason: out.Choices[0].FinishReason}
	if out.Usage != nil {
		msg.ResponseMeta = provider.Usage(out.Usage.PromptTokens, out.Usage.CompletionTokens)
		msg.ResponseMeta.FinishReason = out.Choices[0].FinishReason
	}
	return msg, nil
}

// Stream relays content deltas until the [DONE] marker.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	headers := m.headers()
	headers["Accept"] = "text/event-stream"

	resp, err := m.cfg.Post(ctx, m.cfg.BaseURL+"/chat/completions", headers, m.buildRequest(input, true, opts))
	if err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](16)
	go func() {
		defer sw.Close()
		defer resp.Body.Close()

		events := provider.NewEventReader(resp.Body)
		for {
			ev, err := events.Next()
			if errors.Is(err, io.EOF) {
				sw.Send(nil, provider.ProtocolError(m.cfg.Name, errors.New("stream ended before [DONE]")))
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				sw.Send(nil, provider.TransportError(m.cfg.Name, err))
				return
			}
			if ev.Data == doneMarker {
				return
			}
			if ev.Data == "" {
				continue
			}

			var c chunk
			if err := json.Unmarshal([]byte(ev.Data), &c); err != nil {
				sw.Send(nil, provider.ProtocolError(m.cfg.Name, fmt.Errorf("decode chunk: %w", err)))
				return
			}

			if len(c.Choices) > 0 && c.Choices[0].Delta.Content != "" {
				if sw.Send(schema.AssistantMessage(c.Choices[0].Delta.Content, nil), nil) {
					return
				}
			}
			if c.Usage != nil {
				tail := schema.AssistantMessage("", nil)
				tail.ResponseMeta = provider.Usage(c.Usage.PromptTokens, c.Usage.CompletionTokens)
				if sw.Send(tail, nil) {
					return
				}
			}
		}
	}()

	return sr, nil
}

func (m *ChatModel) buildRequest(input []*schema.Message, stream bool, opts []model.Option) request {
	options := m.cfg.Options(opts...)

	msgs := make([]message, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		msgs = append(msgs, message{Role: string(msg.Role), Content: msg.Content})
	}

	req := request{
		Model:       *options.Model,
		Messages:    msgs,
		MaxTokens:   *options.MaxTokens,
		Temperature: options.Temperature,
		Stream:      stream,
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return req
}

func (m *ChatModel) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + m.cfg.APIKey}
}
