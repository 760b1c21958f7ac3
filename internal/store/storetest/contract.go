// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/llm-hub/backend/internal/model/conversation"
	"github.com/zhouzirui/llm-hub/backend/internal/model/user"
	"github.com/zhouzirui/llm-hub/backend/internal/store"
)

// Run exercises a backend produced by open. open is called once per subtest so
// backends may hand out isolated databases.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("conversation lifecycle", func(t *testing.T) { testConversationLifecycle(t, open(t)) })
	t.Run("ownership isolation", func(t *testing.T) { testOwnershipIsolation(t, open(t)) })
	t.Run("list ordering and limit", func(t *testing.T) { testListOrdering(t, open(t)) })
	t.Run("users", func(t *testing.T) { testUsers(t, open(t)) })
}

func newConversation(owner, title string, at time.Time) conversation.Conversation {
	return conversation.Conversation{OwnerID: owner, Title: title, CreatedAt: at, UpdatedAt: at}
}

func testConversationLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond)

	created, err := s.CreateConversation(ctx, newConversation("owner-a", "Trip", start))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Empty(t, created.Messages)

	turn := conversation.ChatTurn{Role: conversation.RoleUser, Content: "hi", Model: "user", Timestamp: start.Add(time.Second)}
	updated, err := s.AppendMessage(ctx, "owner-a", created.ID, turn)
	require.NoError(t, err)
	require.Len(t, updated.Messages, 1)
	assert.Equal(t, "hi", updated.Messages[0].Content)
	assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))

	// Identical appends are not deduplicated.
	updated, err = s.AppendMessage(ctx, "owner-a", created.ID, turn)
	require.NoError(t, err)
	assert.Len(t, updated.Messages, 2)

	renamed, err := s.UpdateTitle(ctx, "owner-a", created.ID, "Holiday", start.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "Holiday", renamed.Title)
	assert.Len(t, renamed.Messages, 2)

	got, err := s.GetConversation(ctx, "owner-a", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Holiday", got.Title)
	require.Len(t, got.Messages, 2)
	assert.False(t, got.Messages[1].Timestamp.Before(got.Messages[0].Timestamp))

	require.NoError(t, s.DeleteConversation(ctx, "owner-a", created.ID))
	_, err = s.GetConversation(ctx, "owner-a", created.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.DeleteConversation(ctx, "owner-a", created.ID), store.ErrNotFound)
}

func testOwnershipIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	owned, err := s.CreateConversation(ctx, newConversation("owner-b", "Secret", now))
	require.NoError(t, err)

	_, err = s.GetConversation(ctx, "intruder", owned.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.AppendMessage(ctx, "intruder", owned.ID, conversation.ChatTurn{Role: conversation.RoleUser, Content: "x", Timestamp: now})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.UpdateTitle(ctx, "intruder", owned.ID, "mine", now)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.ErrorIs(t, s.DeleteConversation(ctx, "intruder", owned.ID), store.ErrNotFound)

	list, err := s.ListConversations(ctx, "intruder", 50)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.GetConversation(ctx, "owner-b", "does-not-exist")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testListOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	first, err := s.CreateConversation(ctx, newConversation("owner-c", "first", base))
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, newConversation("owner-c", "second", base.Add(time.Second)))
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, newConversation("owner-c", "third", base.Add(2*time.Second)))
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, "owner-c", first.ID, conversation.ChatTurn{
		Role: conversation.RoleUser, Content: "bump", Timestamp: base.Add(3 * time.Second),
	})
	require.NoError(t, err)

	list, err := s.ListConversations(ctx, "owner-c", 50)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "first", list[0].Title)
	assert.Equal(t, "third", list[1].Title)
	assert.Equal(t, "second", list[2].Title)

	limited, err := s.ListConversations(ctx, "owner-c", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := s.CreateUser(ctx, user.User{Email: "user@example.com", PasswordHash: "hash", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	_, err = s.CreateUser(ctx, user.User{Email: "USER@example.com", PasswordHash: "other", CreatedAt: now, UpdatedAt: now})
	require.ErrorIs(t, err, store.ErrDuplicate)

	byEmail, err := s.FindUserByEmail(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)
	assert.Equal(t, "hash", byEmail.PasswordHash)

	byID, err := s.FindUserByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", byID.Email)

	_, err = s.FindUserByEmail(ctx, "nobody@example.com")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindUserByID(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
