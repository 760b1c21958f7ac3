package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
	model "github.com/zhouzirui/llm-hub/backend/internal/model/conversation"
	"github.com/zhouzirui/llm-hub/backend/internal/store"
	"github.com/zhouzirui/llm-hub/backend/internal/store/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(memory.New(), nil)
}

func TestCreateAndGet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "u1", "  Trip  ")
	require.NoError(t, err)
	require.Equal(t, "Trip", conv.Title)
	require.Empty(t, conv.Messages)
	require.False(t, conv.CreatedAt.IsZero())

	got, err := svc.Get(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.Equal(t, conv.ID, got.ID)
}

func TestCreateRejectsBadTitle(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Create(context.Background(), "u1", "   ")
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Create(context.Background(), "u1", strings.Repeat("x", maxTitleRunes+1))
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestOtherOwnerSeesNotFound(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "u1", "Trip")
	require.NoError(t, err)

	_, err = svc.Get(ctx, "u2", conv.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.AppendMessage(ctx, "u2", conv.ID, model.ChatTurn{Role: model.RoleUser, Content: "hi"})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	require.ErrorIs(t, svc.Delete(ctx, "u2", conv.ID), apperr.ErrNotFound)

	list, err := svc.List(ctx, "u2")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestAppendMessage(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "u1", "Trip")
	require.NoError(t, err)

	_, err = svc.AppendMessage(ctx, "u1", conv.ID, model.ChatTurn{Role: "system", Content: "x"})
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.AppendMessage(ctx, "u1", conv.ID, model.ChatTurn{Role: model.RoleUser, Content: "  "})
	require.ErrorIs(t, err, apperr.ErrValidation)

	turn := model.ChatTurn{Role: model.RoleUser, Content: "Hi"}
	_, err = svc.AppendMessage(ctx, "u1", conv.ID, turn)
	require.NoError(t, err)
	updated, err := svc.AppendMessage(ctx, "u1", conv.ID, turn)
	require.NoError(t, err)

	require.Len(t, updated.Messages, 2)
	require.Equal(t, "Hi", updated.Messages[1].Content)
	require.False(t, updated.UpdatedAt.Before(updated.Messages[1].Timestamp))
}

func TestRenameAndDelete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "u1", "Trip")
	require.NoError(t, err)

	renamed, err := svc.Rename(ctx, "u1", conv.ID, "Holiday")
	require.NoError(t, err)
	require.Equal(t, "Holiday", renamed.Title)

	require.NoError(t, svc.Delete(ctx, "u1", conv.ID))
	_, err = svc.Get(ctx, "u1", conv.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

type failingStore struct {
	store.Conversations
}

func (failingStore) ListConversations(context.Context, string, int) ([]model.Summary, error) {
	return nil, errors.New("connection reset")
}

func TestStoreFailureIsPersistenceError(t *testing.T) {
	svc := NewService(failingStore{}, nil)

	_, err := svc.List(context.Background(), "u1")
	require.ErrorIs(t, err, apperr.ErrPersistence)
	require.Equal(t, "Error fetching conversations", apperr.Message(err))
}

func TestTitleFrom(t *testing.T) {
	require.Equal(t, "plan a trip", TitleFrom("  plan\n a   trip ", 60))
	require.Equal(t, "abc…", TitleFrom("abcdef", 3))
}

func TestListIsNewestFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first, err := svc.Create(ctx, "u1", "first")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "u1", "second")
	require.NoError(t, err)
	_, err = svc.AppendMessage(ctx, "u1", first.ID, model.ChatTurn{Role: model.RoleUser, Content: "bump"})
	require.NoError(t, err)

	list, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "first", list[0].Title)
	require.Equal(t, 1, list[0].MessageCount)
}

func TestSaveExchange(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	id, err := svc.SaveExchange(ctx, "u1", "", Exchange{Message: "plan a long trip", Reply: "sure", Model: "m1"}, 6)
	require.NoError(t, err)

	conv, err := svc.Get(ctx, "u1", id)
	require.NoError(t, err)
	require.Equal(t, "plan a…", conv.Title)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, model.RoleUser, conv.Messages[0].Role)
	require.Equal(t, "user", conv.Messages[0].Model)
	require.Equal(t, model.RoleAssistant, conv.Messages[1].Role)
	require.Equal(t, "m1", conv.Messages[1].Model)

	again, err := svc.SaveExchange(ctx, "u1", id, Exchange{Message: "next", Reply: "ok", Model: "m1"}, 0)
	require.NoError(t, err)
	require.Equal(t, id, again)

	conv, err = svc.Get(ctx, "u1", id)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 4)
}

func TestSaveExchangeUnknownConversation(t *testing.T) {
	svc := newTestService(t)

	id, err := svc.SaveExchange(context.Background(), "u1", "missing", Exchange{Message: "hi", Reply: "ok"}, 0)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.Equal(t, "missing", id)
}
