// Package completion sends conversation turns to the configured chat model and
// returns the reply whole or as a stream of text fragments.
package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
	"github.com/zhouzirui/llm-hub/backend/internal/model/conversation"
)

// Result is a complete reply.
type Result struct {
	Text  string             `json:"text"`
	Usage conversation.Usage `json:"usage"`
}

// Client is what the relay and handlers depend on.
type Client interface {
	Complete(ctx context.Context, turns []conversation.Turn) (Result, error)
	Stream(ctx context.Context, turns []conversation.Turn) (*Stream, error)
	Model() string
}

// Config controls prompt rendering.
type Config struct {
	Model        string
	SystemPrompt string
}

// Service implements Client over an eino chat model.
type Service struct {
	chatModel model.BaseChatModel
	template  prompt.ChatTemplate
	cfg       Config
	logger    *slog.Logger
}

var _ Client = (*Service)(nil)

// NewService wraps chatModel. The system prompt, when set, precedes every
// request.
func NewService(chatModel model.BaseChatModel, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	templates := []schema.MessagesTemplate{schema.MessagesPlaceholder("history", false)}
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		templates = append([]schema.MessagesTemplate{schema.SystemMessage("{system}")}, templates...)
	}

	return &Service{
		chatModel: chatModel,
		template:  prompt.FromMessages(schema.FString, templates...),
		cfg:       cfg,
		logger:    logger.With("component", "completion", "model", cfg.Model),
	}
}

// Model names the upstream model replies are attributed to.
func (s *Service) Model() string {
	return s.cfg.Model
}

// Complete requests a whole reply.
func (s *Service) Complete(ctx context.Context, turns []conversation.Turn) (Result, error) {
	input, err := s.render(ctx, turns)
	if err != nil {
		return Result{}, err
	}

	started := time.Now()
	msg, err := s.chatModel.Generate(ctx, input)
	if err != nil {
		return Result{}, s.classify(ctx, err)
	}
	if msg == nil || msg.Content == "" {
		return Result{}, apperr.New(apperr.ErrUpstreamProtocol, "The AI service returned an empty response")
	}

	result := Result{Text: msg.Content, Usage: usageOf(msg)}
	s.logger.Debug("completion finished",
		"turns", len(turns),
		"chars", len(result.Text),
		"total_tokens", result.Usage.TotalTokens,
		"elapsed", time.Since(started),
	)
	return result, nil
}

// Stream opens a streaming reply. The caller must Close the stream.
func (s *Service) Stream(ctx context.Context, turns []conversation.Turn) (*Stream, error) {
	input, err := s.render(ctx, turns)
	if err != nil {
		return nil, err
	}

	reader, err := s.chatModel.Stream(ctx, input)
	if err != nil {
		return nil, s.classify(ctx, err)
	}
	return &Stream{ctx: ctx, reader: reader, classify: s.classify}, nil
}

func (s *Service) render(ctx context.Context, turns []conversation.Turn) ([]*schema.Message, error) {
	if err := Validate(turns); err != nil {
		return nil, err
	}

	history := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case conversation.RoleUser:
			history = append(history, schema.UserMessage(t.Content))
		case conversation.RoleAssistant:
			history = append(history, schema.AssistantMessage(t.Content, nil))
		}
	}

	messages, err := s.template.Format(ctx, map[string]any{
		"system":  s.cfg.SystemPrompt,
		"history": history,
	})
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}
	return messages, nil
}

// classify maps model errors onto the upstream error classes. Errors a
// provider already classified pass through; cancellation stays a context
// error so callers can tell a disconnect from a failure.
func (s *Service) classify(ctx context.Context, err error) error {
	if apperr.Kind(err) != nil {
		return err
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.ErrUpstreamUnavailable, "The AI service timed out", err)
	}
	s.logger.Warn("unclassified upstream failure", "error", err)
	return apperr.Wrap(apperr.ErrUpstreamUnavailable, "The AI service is unavailable", err)
}

// Validate checks turns before they are sent upstream.
func Validate(turns []conversation.Turn) error {
	if len(turns) == 0 {
		return apperr.New(apperr.ErrValidation, "at least one message is required")
	}
	for _, t := range turns {
		if !t.Role.Valid() {
			return apperr.New(apperr.ErrValidation, "role must be user or assistant")
		}
		if strings.TrimSpace(t.Content) == "" {
			return apperr.New(apperr.ErrValidation, "message content is required")
		}
	}
	return nil
}

func usageOf(msg *schema.Message) conversation.Usage {
	if msg == nil || msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return conversation.Usage{}
	}
	u := msg.ResponseMeta.Usage
	return conversation.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// Stream yields text fragments in upstream order.
type Stream struct {
	ctx      context.Context
	reader   *schema.StreamReader[*schema.Message]
	classify func(context.Context, error) error
	usage    conversation.Usage
	done     bool
}

// Next returns the next non-empty fragment, or io.EOF after the last one.
func (s *Stream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		msg, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			s.done = true
			return "", s.classify(s.ctx, err)
		}
		if u := usageOf(msg); u != (conversation.Usage{}) {
			s.usage = u
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		return msg.Content, nil
	}
}

// Usage reports the most recent token accounting seen on the stream.
func (s *Stream) Usage() conversation.Usage {
	return s.usage
}

// Close releases the upstream connection.
func (s *Stream) Close() {
	s.done = true
	s.reader.Close()
}

// Collect drains s into a Result.
func Collect(s *Stream) (Result, error) {
	defer s.Close()

	var text strings.Builder
	for {
		fragment, err := s.Next()
		if errors.Is(err, io.EOF) {
			return Result{Text: text.String(), Usage: s.Usage()}, nil
		}
		if err != nil {
			return Result{}, err
		}
		text.WriteString(fragment)
	}
}
