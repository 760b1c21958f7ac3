// Package store declares the persistence contracts shared by every backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/llm-hub/backend/internal/model/conversation"
	"github.com/zhouzirui/llm-hub/backend/internal/model/user"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Conversations persists conversations. Every read and write is scoped by
// owner; a record owned by someone else is reported as ErrNotFound.
type Conversations interface {
	CreateConversation(ctx context.Context, conv conversation.Conversation) (conversation.Conversation, error)
	ListConversations(ctx context.Context, ownerID string, limit int) ([]conversation.Summary, error)
	GetConversation(ctx context.Context, ownerID, id string) (conversation.Conversation, error)
	AppendMessage(ctx context.Context, ownerID, id string, turn conversation.ChatTurn) (conversation.Conversation, error)
	UpdateTitle(ctx context.Context, ownerID, id, title string, at time.Time) (conversation.Conversation, error)
	DeleteConversation(ctx context.Context, ownerID, id string) error
}

// Users persists accounts. Emails are stored lower-cased and are unique.
type Users interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	FindUserByEmail(ctx context.Context, email string) (user.User, error)
	FindUserByID(ctx context.Context, id string) (user.User, error)
}

// Store is a complete persistence backend.
type Store interface {
	Conversations
	Users
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
