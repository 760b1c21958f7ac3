package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
	"github.com/zhouzirui/llm-hub/backend/internal/middleware"
	"github.com/zhouzirui/llm-hub/backend/internal/model/conversation"
	"github.com/zhouzirui/llm-hub/backend/internal/relay"
	"github.com/zhouzirui/llm-hub/backend/internal/service/completion"
	convservice "github.com/zhouzirui/llm-hub/backend/internal/service/conversation"
	"github.com/zhouzirui/llm-hub/backend/pkg/utils"
)

// Config mirrors the relay settings that apply to single-shot turns.
type Config struct {
	Persist         bool
	HistoryLimit    int
	UpstreamTimeout time.Duration
	PersistTimeout  time.Duration
	TitleRunes      int
}

// Handler serves chat turns over plain HTTP: one JSON reply, or an SSE
// stream driven by the relay.
type Handler struct {
	client        completion.Client
	conversations relay.Conversations
	relays        *relay.Service
	cfg           Config
	logger        *slog.Logger
}

// New 创建聊天处理器
func New(client completion.Client, conversations relay.Conversations, relays *relay.Service, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 60 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	return &Handler{
		client:        client,
		conversations: conversations,
		relays:        relays,
		cfg:           cfg,
		logger:        logger.With("component", "chat"),
	}
}

// RegisterRoutes 注册聊天相关的路由。调用方负责挂载鉴权中间件。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleComplete)
	r.Post("/chat/stream", h.handleStream)
}

// Reply is the single-shot response body.
type Reply struct {
	Text           string             `json:"text"`
	Usage          conversation.Usage `json:"usage"`
	ConversationID string             `json:"conversationId,omitempty"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req relay.Request
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondAppError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		utils.RespondAppError(w, r, apperr.New(apperr.ErrValidation, "message is required"))
		return
	}

	identity, _ := middleware.IdentityFrom(r.Context())

	var history []conversation.ChatTurn
	if req.ConversationID != "" {
		conv, err := h.conversations.Get(r.Context(), identity.UserID, req.ConversationID)
		if err != nil {
			utils.RespondAppError(w, r, err)
			return
		}
		history = conv.Messages
	}

	turns := append(conversation.Turns(history, h.cfg.HistoryLimit), conversation.Turn{
		Role:    conversation.RoleUser,
		Content: req.Message,
	})

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.UpstreamTimeout)
	result, err := h.client.Complete(ctx, turns)
	cancel()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// client went away
			return
		}
		h.logger.Warn("completion failed", "user", identity.UserID, "error", err)
		utils.RespondAppError(w, r, err)
		return
	}

	reply := Reply{Text: result.Text, Usage: result.Usage, ConversationID: req.ConversationID}
	if h.cfg.Persist {
		reply.ConversationID = h.persist(r.Context(), identity.UserID, req, result.Text)
	}
	utils.RespondJSON(w, http.StatusOK, reply)
}

// persist saves the exchange. Failures are logged; the caller already has
// its reply.
func (h *Handler) persist(parent context.Context, ownerID string, req relay.Request, text string) string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), h.cfg.PersistTimeout)
	defer cancel()

	id, err := h.conversations.SaveExchange(ctx, ownerID, req.ConversationID, convservice.Exchange{
		Message: req.Message,
		Reply:   text,
		Model:   h.client.Model(),
	}, h.cfg.TitleRunes)
	if err != nil {
		h.logger.Error("persist exchange failed", "user", ownerID, "conversation", id, "error", err)
	}
	return id
}

// handleStream relays one turn as Server-Sent Events. The event names and
// payloads match the socket protocol.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var req relay.Request
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondAppError(w, r, err)
		return
	}

	identity, _ := middleware.IdentityFrom(r.Context())

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emitter := relay.EmitterFunc(func(event string, payload any) error {
		return utils.SendSSEEvent(w, flusher, event, payload)
	})

	session := h.relays.Open(uuid.NewString(), identity, emitter)
	defer session.Close()

	if err := session.Handle(r.Context(), req); err != nil {
		h.logger.Debug("stream turn rejected", "user", identity.UserID, "error", err)
	}
}
