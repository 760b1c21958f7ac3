package utils

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
)

// ErrorBody 是所有 HTTP 错误响应的结构。
type ErrorBody struct {
	Message string `json:"message"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorBody{Message: message})
}

// RespondAppError 按错误分类选择状态码，只向客户端暴露安全的文本。
func RespondAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	RespondError(w, status, apperr.Message(err))
}

// DecodeJSON 解析请求体，失败时返回校验错误。
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.ErrValidation, "invalid request body", err)
	}
	return nil
}
