package health

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	chatService "github.com/zhouzirui/koder/backend/internal/service/chat"
	"github.com/zhouzirui/koder/backend/pkg/utils"
)

// Handler 健康检查处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建健康检查处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册健康检查路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.chatSvc.Health())
}
