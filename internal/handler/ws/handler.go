package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	chatHandler "github.com/zhouzirui/koder/backend/internal/handler/chat"
	"github.com/zhouzirui/koder/backend/internal/model/chat"
	chatService "github.com/zhouzirui/koder/backend/internal/service/chat"
)

const (
	pingInterval = 54 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler WebSocket聊天处理器
type Handler struct {
	chatSvc  *chatService.Service
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New 创建WebSocket处理器
func New(chatSvc *chatService.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chatSvc: chatSvc,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// connection is the per-socket state. At most one turn runs at a time.
type connection struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	sessionID  string
	cancelTurn context.CancelFunc
	turns      sync.WaitGroup
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &connection{conn: conn, logger: h.logger}
	defer func() {
		cancel()
		c.turns.Wait()
		conn.Close()
	}()

	h.logger.Info("websocket connected", zap.String("remote", r.RemoteAddr))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go c.pingLoop(ctx)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "chat":
			var req chat.Request
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				c.sendError("", http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				continue
			}
			h.startTurn(ctx, c, req)
		case "cancel":
			c.cancelCurrent()
		default:
			c.sendError("", http.StatusBadRequest, map[string]string{"error": "unsupported message type: " + msg.Type})
		}
	}
}

// startTurn runs req in the background so the read loop keeps serving pongs
// and cancel frames while the assistant works.
func (h *Handler) startTurn(ctx context.Context, c *connection, req chat.Request) {
	c.mu.Lock()
	if c.cancelTurn != nil {
		c.mu.Unlock()
		c.sendError(req.SessionID, http.StatusConflict, map[string]string{"error": "turn already in progress"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = c.sessionID
	}
	turnCtx, cancel := context.WithCancel(ctx)
	c.cancelTurn = cancel
	c.turns.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.turns.Done()
		defer func() {
			c.mu.Lock()
			c.cancelTurn = nil
			c.mu.Unlock()
			cancel()
		}()

		var sessionID string
		resp, err := h.chatSvc.ChatStream(turnCtx, req, chatService.StreamHooks{
			OnSession: func(id, _ string) {
				sessionID = id
				c.mu.Lock()
				c.sessionID = id
				c.mu.Unlock()
			},
			OnChunk: func(chunk string) {
				c.send("delta", sessionID, map[string]string{"content": chunk})
			},
		})
		if err != nil {
			status, body := chatHandler.ErrorBody(err)
			if status >= http.StatusInternalServerError {
				h.logger.Error("websocket turn failed", zap.String("session_id", resp.SessionID), zap.Error(err))
			}
			c.sendError(resp.SessionID, status, body)
			return
		}
		c.send("result", resp.SessionID, resp)
	}()
}

func (c *connection) cancelCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelTurn != nil {
		c.cancelTurn()
	}
}

func (c *connection) send(kind, sessionID string, data interface{}) {
	msg := outgoingMessage{
		Type:      kind,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug("websocket write failed", zap.String("type", kind), zap.Error(err))
	}
}

func (c *connection) sendError(sessionID string, status int, body map[string]string) {
	data := map[string]interface{}{"status": status}
	for k, v := range body {
		data[k] = v
	}
	c.send("error", sessionID, data)
}

// pingLoop 定期发送ping消息
func (c *connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
