package provider

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/koder/backend/internal/model/provider"
	"github.com/zhouzirui/koder/backend/pkg/utils"
)

// Handler provider服务的HTTP处理器
type Handler struct {
	providers provider.Store
}

// New 创建provider处理器
func New(providers provider.Store) *Handler {
	return &Handler{providers: providers}
}

// RegisterRoutes 注册provider相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/providers", h.handleListProviders)
}

// handleListProviders 列出所有可选的助手
func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.providers.List())
}
