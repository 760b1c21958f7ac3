// Package conversation is the gateway between callers and conversation
// persistence. Every operation is scoped to the caller's user id, and another
// owner's conversation is reported as not found so its existence never leaks.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
	model "github.com/zhouzirui/llm-hub/backend/internal/model/conversation"
	"github.com/zhouzirui/llm-hub/backend/internal/store"
)

const (
	// ListLimit bounds how many conversations List returns.
	ListLimit = 50

	maxTitleRunes = 200
)

// Service validates requests and maps store failures onto the error taxonomy.
type Service struct {
	store  store.Conversations
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires the gateway to a conversation store.
func NewService(st store.Conversations, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With("component", "conversation"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create starts an empty conversation owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID, title string) (model.Conversation, error) {
	title, err := normalizeTitle(title)
	if err != nil {
		return model.Conversation{}, err
	}

	now := s.now()
	conv, err := s.store.CreateConversation(ctx, model.Conversation{
		OwnerID:   ownerID,
		Title:     title,
		Messages:  []model.ChatTurn{},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return model.Conversation{}, s.translate(err, "Error creating conversation", ownerID, "")
	}
	return conv, nil
}

// List returns the owner's most recently updated conversations.
func (s *Service) List(ctx context.Context, ownerID string) ([]model.Summary, error) {
	summaries, err := s.store.ListConversations(ctx, ownerID, ListLimit)
	if err != nil {
		return nil, s.translate(err, "Error fetching conversations", ownerID, "")
	}
	return summaries, nil
}

// Get fetches one conversation with its full history.
func (s *Service) Get(ctx context.Context, ownerID, id string) (model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, ownerID, id)
	if err != nil {
		return model.Conversation{}, s.translate(err, "Error fetching conversation", ownerID, id)
	}
	return conv, nil
}

// AppendMessage adds turn to the end of the conversation and bumps updatedAt.
// Repeating an identical append stores a duplicate turn.
func (s *Service) AppendMessage(ctx context.Context, ownerID, id string, turn model.ChatTurn) (model.Conversation, error) {
	if !turn.Role.Valid() {
		return model.Conversation{}, apperr.New(apperr.ErrValidation, "role must be user or assistant")
	}
	if strings.TrimSpace(turn.Content) == "" {
		return model.Conversation{}, apperr.New(apperr.ErrValidation, "content is required")
	}
	turn.Timestamp = s.now()

	conv, err := s.store.AppendMessage(ctx, ownerID, id, turn)
	if err != nil {
		return model.Conversation{}, s.translate(err, "Error adding message", ownerID, id)
	}
	return conv, nil
}

// DefaultTitleRunes bounds titles derived by SaveExchange.
const DefaultTitleRunes = 60

// Exchange is one finished round trip: the user's message and the reply.
type Exchange struct {
	Message string
	Reply   string
	// Model names the model that wrote Reply.
	Model string
}

// SaveExchange appends ex to conversation id as a user turn followed by an
// assistant turn. With an empty id a conversation titled from the message is
// created first. The returned id names the conversation used and is set even
// when an append fails.
func (s *Service) SaveExchange(ctx context.Context, ownerID, id string, ex Exchange, titleRunes int) (string, error) {
	if titleRunes <= 0 {
		titleRunes = DefaultTitleRunes
	}
	if id == "" {
		conv, err := s.Create(ctx, ownerID, TitleFrom(ex.Message, titleRunes))
		if err != nil {
			return "", err
		}
		id = conv.ID
	}

	for _, turn := range []model.ChatTurn{
		{Role: model.RoleUser, Content: ex.Message, Model: string(model.RoleUser)},
		{Role: model.RoleAssistant, Content: ex.Reply, Model: ex.Model},
	} {
		if _, err := s.AppendMessage(ctx, ownerID, id, turn); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Rename replaces the conversation title.
func (s *Service) Rename(ctx context.Context, ownerID, id, title string) (model.Conversation, error) {
	title, err := normalizeTitle(title)
	if err != nil {
		return model.Conversation{}, err
	}

	conv, err := s.store.UpdateTitle(ctx, ownerID, id, title, s.now())
	if err != nil {
		return model.Conversation{}, s.translate(err, "Error updating conversation", ownerID, id)
	}
	return conv, nil
}

// Delete removes the conversation.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.store.DeleteConversation(ctx, ownerID, id); err != nil {
		return s.translate(err, "Error deleting conversation", ownerID, id)
	}
	return nil
}

// translate maps a store failure onto the client-facing taxonomy. msg is the
// text shown for persistence failures.
func (s *Service) translate(err error, msg, ownerID, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.ErrNotFound, "Conversation not found")
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Error(msg, "owner", ownerID, "conversation", id, "error", err)
	return apperr.Wrap(apperr.ErrPersistence, msg, err)
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", apperr.New(apperr.ErrValidation, "title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return "", apperr.New(apperr.ErrValidation, "title is too long")
	}
	return title, nil
}

// TitleFrom derives a conversation title from the opening message.
func TitleFrom(message string, limit int) string {
	title := strings.Join(strings.Fields(message), " ")
	if utf8.RuneCountInString(title) <= limit {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
