package socket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/llm-hub/backend/internal/metrics"
	"github.com/zhouzirui/llm-hub/backend/internal/middleware"
	"github.com/zhouzirui/llm-hub/backend/internal/relay"
	"github.com/zhouzirui/llm-hub/backend/internal/service/auth"
	"github.com/zhouzirui/llm-hub/backend/pkg/utils"
)

// Client-originated events.
const (
	EventSendMessage    = "send-message"
	EventStopGeneration = "stop-generation"
	// EventConnected is sent once after the upgrade.
	EventConnected = "connected"
)

var (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ConnectedPayload carries the id assigned to the connection.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// WebSocketHandler 聊天流的WebSocket处理器
type WebSocketHandler struct {
	authn    middleware.Authenticator
	relays   *relay.Service
	metrics  *metrics.Collector
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*connection]struct{}
	draining bool
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(authn middleware.Authenticator, relays *relay.Service, allowedOrigins []string, collector *metrics.Collector, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		authn:   authn,
		relays:  relays,
		metrics: collector,
		logger:  logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// non-browser clients send no Origin
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(allowedOrigins, origin)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[*connection]struct{}),
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// Shutdown closes every live connection. In-flight turns are cancelled by
// the read loops as they unwind. New upgrades are refused afterwards.
func (h *WebSocketHandler) Shutdown() {
	h.mu.Lock()
	h.draining = true
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	if len(conns) > 0 {
		h.logger.Info("closed websocket connections", "count", len(conns))
	}
}

type connection struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *connection) send(event string, data any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(outgoing{Event: event, Data: data})
}

func (c *connection) close(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// handleWebSocket 处理WebSocket连接。凭证在升级前校验，未通过的连接不会触达relay。
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	identity, err := h.authn.Authenticate(r.Context(), token)
	if err != nil {
		utils.RespondAppError(w, r, err)
		return
	}

	h.mu.Lock()
	draining := h.draining
	h.mu.Unlock()
	if draining {
		utils.RespondError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := &connection{id: uuid.NewString(), conn: conn}
	logger := h.logger.With("connection", c.id, "user", identity.UserID)

	h.track(c)
	defer h.untrack(c)
	defer conn.Close()

	session := h.relays.Open(c.id, identity, relay.EmitterFunc(c.send))
	defer session.Close()

	logger.Info("websocket connected")
	defer logger.Info("websocket disconnected")

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go pingLoop(done, conn)

	if err := c.send(EventConnected, ConnectedPayload{ConnectionID: c.id}); err != nil {
		logger.Warn("write connected failed", "error", err)
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Envelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendError(c, logger, "invalid message")
			continue
		}
		h.handleMessage(c, logger, session, msg)
	}
}

func (h *WebSocketHandler) handleMessage(c *connection, logger *slog.Logger, session *relay.Relay, msg Envelope) {
	switch msg.Event {
	case EventSendMessage:
		var req relay.Request
		if len(msg.Data) == 0 || json.Unmarshal(msg.Data, &req) != nil {
			h.sendError(c, logger, "invalid send-message payload")
			return
		}
		// Rejections are reported to the client by the relay.
		if err := session.Submit(req); err != nil && !errors.Is(err, relay.ErrClosed) {
			logger.Debug("turn rejected", "error", err)
		}
	case EventStopGeneration:
		session.Cancel()
	default:
		h.sendError(c, logger, "unsupported event: "+msg.Event)
	}
}

func (h *WebSocketHandler) sendError(c *connection, logger *slog.Logger, message string) {
	if err := c.send(relay.EventError, relay.ErrorPayload{Message: message}); err != nil {
		logger.Warn("write error failed", "error", err)
	}
}

func (h *WebSocketHandler) track(c *connection) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
}

func (h *WebSocketHandler) untrack(c *connection) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.metrics.ConnectionClosed()
}

// pingLoop 定期发送ping消息
func pingLoop(done <-chan struct{}, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
