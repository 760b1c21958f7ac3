package auth

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
	"github.com/zhouzirui/llm-hub/backend/internal/middleware"
	"github.com/zhouzirui/llm-hub/backend/internal/model/user"
	authservice "github.com/zhouzirui/llm-hub/backend/internal/service/auth"
	"github.com/zhouzirui/llm-hub/backend/pkg/utils"
)

// Service is the account API the handler drives.
type Service interface {
	Register(ctx context.Context, email, password string) (authservice.Session, error)
	Login(ctx context.Context, email, password string) (authservice.Session, error)
	Authenticate(ctx context.Context, token string) (user.Identity, error)
	Profile(ctx context.Context, identity user.Identity) (user.Public, error)
}

// Handler 认证相关的HTTP处理器
type Handler struct {
	svc Service
}

// New 创建认证处理器
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册 /auth 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.Post("/login", h.handleLogin)
		r.With(middleware.RequireAuth(h.svc)).Get("/profile", h.handleProfile)
	})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload credentials
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, r, err)
		return
	}

	session, err := h.svc.Register(r.Context(), payload.Email, payload.Password)
	if err != nil {
		utils.RespondAppError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload credentials
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, r, err)
		return
	}
	if payload.Email == "" || payload.Password == "" {
		utils.RespondAppError(w, r, apperr.New(apperr.ErrValidation, "email and password are required"))
		return
	}

	session, err := h.svc.Login(r.Context(), payload.Email, payload.Password)
	if err != nil {
		utils.RespondAppError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFrom(r.Context())
	profile, err := h.svc.Profile(r.Context(), identity)
	if err != nil {
		utils.RespondAppError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"user": profile})
}
