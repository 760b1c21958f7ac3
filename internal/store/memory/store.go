// Package memory keeps conversations and users in process memory. It backs
// tests and the memory:// development URI.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/llm-hub/backend/internal/model/conversation"
	"github.com/zhouzirui/llm-hub/backend/internal/model/user"
	"github.com/zhouzirui/llm-hub/backend/internal/store"
)

// Store implements store.Store with maps guarded by a single lock.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]conversation.Conversation
	users         map[string]user.User
	emails        map[string]string
}

// New bootstraps an empty store.
func New() *Store {
	return &Store{
		conversations: make(map[string]conversation.Conversation),
		users:         make(map[string]user.User),
		emails:        make(map[string]string),
	}
}

// CreateConversation stores conv under a fresh identifier.
func (s *Store) CreateConversation(_ context.Context, conv conversation.Conversation) (conversation.Conversation, error) {
	conv.ID = uuid.NewString()
	if conv.Messages == nil {
		conv.Messages = make([]conversation.ChatTurn, 0, 16)
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()

	return clone(conv), nil
}

// ListConversations returns the owner's conversations, newest update first.
func (s *Store) ListConversations(_ context.Context, ownerID string, limit int) ([]conversation.Summary, error) {
	s.mu.RLock()
	owned := make([]conversation.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.OwnerID == ownerID {
			owned = append(owned, conv)
		}
	}
	s.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		if owned[i].UpdatedAt.Equal(owned[j].UpdatedAt) {
			return owned[i].CreatedAt.After(owned[j].CreatedAt)
		}
		return owned[i].UpdatedAt.After(owned[j].UpdatedAt)
	})
	if limit > 0 && len(owned) > limit {
		owned = owned[:limit]
	}

	summaries := make([]conversation.Summary, 0, len(owned))
	for _, conv := range owned {
		summaries = append(summaries, conv.Summarize())
	}
	return summaries, nil
}

// GetConversation retrieves a conversation by identifier.
func (s *Store) GetConversation(_ context.Context, ownerID, id string) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return conversation.Conversation{}, store.ErrNotFound
	}
	return clone(conv), nil
}

// AppendMessage appends turn to the conversation history. The turn timestamp
// is raised to the previous turn's timestamp when the clock went backwards.
func (s *Store) AppendMessage(_ context.Context, ownerID, id string, turn conversation.ChatTurn) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return conversation.Conversation{}, store.ErrNotFound
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	if last := conv.LastTimestamp(); turn.Timestamp.Before(last) {
		turn.Timestamp = last
	}

	conv.Messages = append(conv.Messages, turn)
	if turn.Timestamp.After(conv.UpdatedAt) {
		conv.UpdatedAt = turn.Timestamp
	}
	s.conversations[id] = conv

	return clone(conv), nil
}

// UpdateTitle renames a conversation.
func (s *Store) UpdateTitle(_ context.Context, ownerID, id, title string, at time.Time) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return conversation.Conversation{}, store.ErrNotFound
	}

	conv.Title = title
	if at.After(conv.UpdatedAt) {
		conv.UpdatedAt = at
	}
	s.conversations[id] = conv

	return clone(conv), nil
}

// DeleteConversation removes a conversation.
func (s *Store) DeleteConversation(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(s.conversations, id)
	return nil
}

// CreateUser registers u under a fresh identifier.
func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	email := strings.ToLower(u.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.emails[email]; exists {
		return user.User{}, store.ErrDuplicate
	}

	u.ID = uuid.NewString()
	u.Email = email
	s.users[u.ID] = u
	s.emails[email] = u.ID
	return u, nil
}

// FindUserByEmail looks up a user by e-mail address.
func (s *Store) FindUserByEmail(_ context.Context, email string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return user.User{}, store.ErrNotFound
	}
	return s.users[id], nil
}

// FindUserByID looks up a user by identifier.
func (s *Store) FindUserByID(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, store.ErrNotFound
	}
	return u, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

func clone(conv conversation.Conversation) conversation.Conversation {
	copied := make([]conversation.ChatTurn, len(conv.Messages))
	copy(copied, conv.Messages)
	conv.Messages = copied
	return conv
}
