package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	authhandler "github.com/zhouzirui/llm-hub/backend/internal/handler/auth"
	"github.com/zhouzirui/llm-hub/backend/internal/handler/chat"
	convhandler "github.com/zhouzirui/llm-hub/backend/internal/handler/conversation"
	"github.com/zhouzirui/llm-hub/backend/internal/handler/socket"
	"github.com/zhouzirui/llm-hub/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/llm-hub/backend/internal/middleware"
	"github.com/zhouzirui/llm-hub/backend/internal/relay"
	"github.com/zhouzirui/llm-hub/backend/internal/service/completion"
	"github.com/zhouzirui/llm-hub/backend/pkg/utils"
)

// Dependencies 路由所需的服务。Completion、Relays 与 Socket 在未配置大模型时为 nil，
// 对应的路由返回 503。
type Dependencies struct {
	Environment    string
	AllowedOrigins []string
	Logger         *slog.Logger
	Metrics        *metrics.Collector

	Auth          authhandler.Service
	Conversations ConversationService
	Completion    completion.Client
	Relays        *relay.Service
	Socket        *socket.WebSocketHandler
	Chat          chat.Config
}

// ConversationService backs both the conversation REST routes and the chat
// routes.
type ConversationService interface {
	convhandler.Service
	relay.Conversations
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger, deps.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{
			"status":      "ok",
			"environment": deps.Environment,
		})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	authhandler.New(deps.Auth).RegisterRoutes(r)

	r.Group(func(protected chi.Router) {
		protected.Use(middlewarePkg.RequireAuth(deps.Auth))

		convhandler.New(deps.Conversations).RegisterRoutes(protected)

		if deps.Completion != nil && deps.Relays != nil {
			chat.New(deps.Completion, deps.Conversations, deps.Relays, deps.Chat, logger).RegisterRoutes(protected)
		} else {
			protected.Post("/chat", aiUnavailable)
			protected.Post("/chat/stream", aiUnavailable)
		}
	})

	// /ws 在升级前自行校验凭证，浏览器无法为 WebSocket 设置请求头。
	if deps.Socket != nil {
		deps.Socket.RegisterRoutes(r)
	} else {
		r.Get("/ws", aiUnavailable)
	}

	return r
}

func aiUnavailable(w http.ResponseWriter, r *http.Request) {
	utils.RespondError(w, http.StatusServiceUnavailable, "AI service unavailable")
}
