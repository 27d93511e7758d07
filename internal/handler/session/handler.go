package session

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	chatService "github.com/zhouzirui/koder/backend/internal/service/chat"
	sessionStore "github.com/zhouzirui/koder/backend/internal/service/session"
	"github.com/zhouzirui/koder/backend/pkg/utils"
)

// Handler 会话生命周期的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建会话处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session/{sessionId}/end", h.handleEndSession)
}

// handleEndSession 结束会话
func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	if err := h.chatSvc.EndSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, sessionStore.ErrSessionNotFound) {
			utils.RespondError(w, http.StatusNotFound, "Session not found")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}
