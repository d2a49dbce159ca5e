package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/osa-run/osa/internal/domain/entity"
	"github.com/osa-run/osa/internal/domain/service"
	"github.com/osa-run/osa/internal/infrastructure/eventbus"
	"github.com/osa-run/osa/internal/infrastructure/prompt"
	"github.com/osa-run/osa/internal/infrastructure/pubsub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源 (生产环境应限制)
	},
}

// MessageType 消息类型
type MessageType string

const (
	MessageTypeChat       MessageType = "chat"
	MessageTypeStream     MessageType = "stream"
	MessageTypeToolCall   MessageType = "tool_call"
	MessageTypeToolResult MessageType = "tool_result"
	MessageTypeApproval   MessageType = "approval"
	MessageTypeError      MessageType = "error"
	MessageTypePing       MessageType = "ping"
	MessageTypePong       MessageType = "pong"
	MessageTypeFiltered   MessageType = "filtered"
	MessageTypeDone       MessageType = "done"
)

// WSMessage WebSocket 消息
type WSMessage struct {
	Type      MessageType            `json:"type"`
	ID        string                 `json:"id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Client WebSocket 客户端
type Client struct {
	ID        string
	UserID    string
	SessionID string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	logger    *zap.Logger
}

// Hub WebSocket 连接中心
type Hub struct {
	clients    map[string]*Client
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger
	mu         sync.RWMutex

	// 回调
	onMessage func(client *Client, msg *WSMessage)
}

// NewHub 创建连接中心
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// SetMessageHandler 设置消息处理器
func (h *Hub) SetMessageHandler(handler func(client *Client, msg *WSMessage)) {
	h.onMessage = handler
}

// Run 运行连接中心
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Info("Client connected",
				zap.String("client_id", client.ID),
				zap.String("user_id", client.UserID),
			)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Client disconnected",
				zap.String("client_id", client.ID),
			)
		case message := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client.ID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// SendToClient 发送消息到指定客户端
func (h *Hub) SendToClient(clientID string, msg *WSMessage) error {
	h.mu.RLock()
	client, exists := h.clients[clientID]
	h.mu.RUnlock()

	if !exists {
		return nil
	}

	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case client.send <- data:
		return nil
	default:
		return nil
	}
}

// SendToSession 发送消息到指定会话的所有客户端
func (h *Hub) SendToSession(sessionID string, msg *WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg.Timestamp = time.Now().Unix()
	data, _ := json.Marshal(msg)

	for _, client := range h.clients {
		if client.SessionID == sessionID {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}

// GetClientCount 获取客户端数量
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler WebSocket 处理器
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHandler 创建 WebSocket 处理器
func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
	}
}

// ServeWS 处理 WebSocket 连接
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	// 从查询参数获取用户信息
	userID := r.URL.Query().Get("user_id")
	sessionID := r.URL.Query().Get("session_id")
	clientID := r.URL.Query().Get("client_id")

	if sessionID == "" {
		sessionID = "ws_" + time.Now().Format("20060102150405")
	}
	if clientID == "" {
		clientID = userID + "_" + time.Now().Format("20060102150405")
	}

	client := &Client{
		ID:        clientID,
		UserID:    userID,
		SessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       h.hub,
		logger:    h.logger,
	}

	h.hub.register <- client

	// 启动读写协程
	go client.writePump()
	go client.readPump()
}

// readPump 读取消息
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			continue
		}

		// 处理 ping
		if msg.Type == MessageTypePing {
			c.send <- mustMarshal(&WSMessage{
				Type:      MessageTypePong,
				Timestamp: time.Now().Unix(),
			})
			continue
		}

		// 调用消息处理器
		if c.hub.onMessage != nil {
			c.hub.onMessage(c, &msg)
		}
	}
}

// writePump 写入消息
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage 发送消息给客户端
func (c *Client) SendMessage(msg *WSMessage) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.send <- data
}

// GetID 获取客户端 ID
func (c *Client) GetID() string {
	return c.ID
}

// GetUserID 获取用户 ID
func (c *Client) GetUserID() string {
	return c.UserID
}

// GetSessionID 获取会话 ID
func (c *Client) GetSessionID() string {
	return c.SessionID
}

func mustMarshal(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}

// AgentMessageHandler adapts the duplex Hub/Client transport above to the
// Channel Contract: every chat frame a client sends goes through
// AgentLoop.Deliver (NoiseFilter -> Classifier -> loop) exactly like the
// HTTP and Telegram channels, and every resulting entity.AgentEvent is
// streamed back as a "stream" WSMessage, closed by a "done" frame.
type AgentMessageHandler struct {
	agentLoop    *service.AgentLoop
	promptEngine *prompt.PromptEngine
	bridge       *pubsub.Bridge
	logger       *zap.Logger

	mu         sync.Mutex
	histories  map[string][]service.LLMMessage
}

// NewAgentMessageHandler creates the handler to install with
// Hub.SetMessageHandler. bridge may be nil — lifecycle events simply go
// unpublished in that case, same convention as AgentHandler.
func NewAgentMessageHandler(agentLoop *service.AgentLoop, promptEngine *prompt.PromptEngine, bridge *pubsub.Bridge, logger *zap.Logger) *AgentMessageHandler {
	return &AgentMessageHandler{
		agentLoop:    agentLoop,
		promptEngine: promptEngine,
		bridge:       bridge,
		logger:       logger.With(zap.String("channel", "websocket")),
		histories:    make(map[string][]service.LLMMessage),
	}
}

// wsSessionPayload implements pubsub.SessionPayload so handler-published
// events route onto their per-session topic, matching AgentHandler's and
// the Telegram handler's own sessionPayload wrappers.
type wsSessionPayload struct {
	sessionID string
	body      any
}

func (p wsSessionPayload) SessionID() string { return p.sessionID }

func (h *AgentMessageHandler) publish(ctx context.Context, eventType, sessionID string, payload any) {
	if h.bridge == nil {
		return
	}
	h.bridge.Publish(ctx, eventbus.NewEvent(eventType, wsSessionPayload{sessionID: sessionID, body: payload}))
}

func (h *AgentMessageHandler) getHistory(sessionID string) []service.LLMMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	hist := h.histories[sessionID]
	out := make([]service.LLMMessage, len(hist))
	copy(out, hist)
	return out
}

func (h *AgentMessageHandler) appendHistory(sessionID, userMessage, assistantReply string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hist := append(h.histories[sessionID],
		service.LLMMessage{Role: "user", Content: userMessage},
		service.LLMMessage{Role: "assistant", Content: assistantReply},
	)
	const maxMessages = 40
	if len(hist) > maxMessages {
		hist = hist[len(hist)-maxMessages:]
	}
	h.histories[sessionID] = hist
}

// HandleMessage is installed via Hub.SetMessageHandler and fires on every
// inbound WSMessage. Only MessageTypeChat frames reach the loop; everything
// else (pong, tool_call echoes from a stray client) is ignored.
func (h *AgentMessageHandler) HandleMessage(client *Client, msg *WSMessage) {
	if msg.Type != MessageTypeChat || msg.Content == "" {
		return
	}

	ctx := context.Background()
	sessionID := client.SessionID

	systemPrompt := ""
	if h.promptEngine != nil {
		systemPrompt = h.promptEngine.Assemble(prompt.PromptContext{
			Channel:     "websocket",
			UserMessage: msg.Content,
		})
	}

	publish := func(eventType string, payload any) {
		h.publish(ctx, eventType, sessionID, payload)
	}

	history := h.getHistory(sessionID)
	result, eventCh, delivered := h.agentLoop.Deliver(ctx, "websocket", systemPrompt, msg.Content, history, "", publish)
	if delivered.Filtered {
		client.SendMessage(&WSMessage{
			Type:      MessageTypeFiltered,
			SessionID: sessionID,
			Content:   string(delivered.Reason),
		})
		return
	}

	for event := range eventCh {
		client.SendMessage(&WSMessage{
			Type:      MessageTypeStream,
			SessionID: sessionID,
			Content:   streamContent(event),
			Metadata:  map[string]interface{}{"event": string(event.Type)},
		})
	}

	h.appendHistory(sessionID, msg.Content, result.FinalContent)

	client.SendMessage(&WSMessage{
		Type:      MessageTypeDone,
		SessionID: sessionID,
		Content:   result.FinalContent,
		Metadata: map[string]interface{}{
			"total_steps":  result.TotalSteps,
			"total_tokens": result.TotalTokens,
			"model_used":   result.ModelUsed,
			"tools_used":   result.ToolsUsed,
		},
	})
}

func streamContent(event entity.AgentEvent) string {
	switch event.Type {
	case entity.EventTextDelta, entity.EventThinking:
		return event.Content
	case entity.EventToolCall:
		if event.ToolCall != nil {
			return event.ToolCall.Name
		}
	case entity.EventError, entity.EventCancelled:
		return event.Error
	}
	return ""
}
