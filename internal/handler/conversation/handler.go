package conversation

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/llm-hub/backend/internal/middleware"
	model "github.com/zhouzirui/llm-hub/backend/internal/model/conversation"
	"github.com/zhouzirui/llm-hub/backend/pkg/utils"
)

// Service is the conversation gateway the handler drives.
type Service interface {
	Create(ctx context.Context, ownerID, title string) (model.Conversation, error)
	List(ctx context.Context, ownerID string) ([]model.Summary, error)
	Get(ctx context.Context, ownerID, id string) (model.Conversation, error)
	AppendMessage(ctx context.Context, ownerID, id string, turn model.ChatTurn) (model.Conversation, error)
	Rename(ctx context.Context, ownerID, id, title string) (model.Conversation, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// Handler 会话管理的HTTP处理器
type Handler struct {
	svc Service
}

// New 创建会话处理器
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册会话相关的路由。调用方负责挂载鉴权中间件。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Get("/{id}", h.handleGet)
		r.Put("/{id}", h.handleRename)
		r.Delete("/{id}", h.handleDelete)
		r.Post("/{id}/messages", h.handleAppendMessage)
	})
}

type titlePayload struct {
	Title string `json:"title"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload titlePayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, r, err)
		return
	}

	conv, err := h.svc.Create(r.Context(), ownerID(r), payload.Title)
	if err != nil {
		utils.RespondAppError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, conv)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context(), ownerID(r))
	if err != nil {
		utils.RespondAppError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.Get(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	if err != nil {
		utils.RespondAppError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	var payload titlePayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, r, err)
		return
	}

	conv, err := h.svc.Rename(r.Context(), ownerID(r), chi.URLParam(r, "id"), payload.Title)
	if err != nil {
		utils.RespondAppError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), ownerID(r), chi.URLParam(r, "id")); err != nil {
		utils.RespondAppError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Conversation deleted"})
}

// handleAppendMessage 由客户端在流结束后推送完整的轮次。
func (h *Handler) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Role    model.Role `json:"role"`
		Content string     `json:"content"`
		Model   string     `json:"model"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, r, err)
		return
	}

	conv, err := h.svc.AppendMessage(r.Context(), ownerID(r), chi.URLParam(r, "id"), model.ChatTurn{
		Role:    payload.Role,
		Content: payload.Content,
		Model:   payload.Model,
	})
	if err != nil {
		utils.RespondAppError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, conv)
}

func ownerID(r *http.Request) string {
	identity, _ := middleware.IdentityFrom(r.Context())
	return identity.UserID
}
