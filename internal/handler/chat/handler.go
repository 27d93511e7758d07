package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/koder/backend/internal/model/chat"
	chatService "github.com/zhouzirui/koder/backend/internal/service/chat"
	"github.com/zhouzirui/koder/backend/internal/service/session"
	"github.com/zhouzirui/koder/backend/pkg/utils"
)

const executionFailed = "Failed to execute command"

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	logger  *zap.Logger
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{chatSvc: chatSvc, logger: logger}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Post("/chat/stream", h.handleChatStream)
}

// handleChat 执行一轮对话
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, utils.ErrInvalidBody.Error())
		return
	}

	resp, err := h.chatSvc.Chat(r.Context(), req)
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

// handleChatStream 以SSE方式推送助手输出
func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var req chat.Request
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, utils.ErrInvalidBody.Error())
		return
	}

	started := false
	hooks := chatService.StreamHooks{
		OnSession: func(sessionID, providerID string) {
			utils.SetupSSEHeaders(w)
			w.WriteHeader(http.StatusOK)
			started = true
			_ = utils.SendSSEEvent(w, flusher, "session", map[string]string{
				"sessionId": sessionID,
				"provider":  providerID,
			})
		},
		OnChunk: func(chunk string) {
			_ = utils.SendSSEEvent(w, flusher, "delta", map[string]string{"content": chunk})
		},
	}

	resp, err := h.chatSvc.ChatStream(r.Context(), req, hooks)
	if err != nil {
		if !started {
			h.respondFailure(w, r, err)
			return
		}
		_, body := ErrorBody(err)
		h.logFailure(r, err)
		_ = utils.SendSSEEvent(w, flusher, "error", body)
		return
	}
	_ = utils.SendSSEEvent(w, flusher, "done", resp)
}

func (h *Handler) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, body := ErrorBody(err)
	if status >= http.StatusInternalServerError {
		h.logFailure(r, err)
	}
	utils.RespondJSON(w, status, body)
}

func (h *Handler) logFailure(r *http.Request, err error) {
	h.logger.Error("chat turn failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
}

// ErrorBody maps a chat service error to an HTTP status and JSON body.
// Validation problems and unknown sessions are client errors; anything else
// is reported as an execution failure with the error text as details.
func ErrorBody(err error) (int, map[string]string) {
	var vErr *chatService.ValidationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest, map[string]string{"error": vErr.Message}
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, map[string]string{"error": "Session not found"}
	default:
		return http.StatusInternalServerError, map[string]string{
			"error":   executionFailed,
			"details": err.Error(),
		}
	}
}
