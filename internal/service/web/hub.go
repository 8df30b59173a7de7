// FILE: internal/service/web/hub.go
package web

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tomoon_nexus/internal/shared/logger"
	"tomoon_nexus/internal/shared/settings"
)

// WebSocketMessage 定义了 WebSocket 消息的通用格式
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active clients and broadcasts messages to the
// clients.
type Hub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]string),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			id := uuid.NewString()
			h.mu.Lock()
			h.clients[conn] = id
			h.mu.Unlock()
			logger.Info().Str("client", id).Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client registered.")
		case conn := <-h.unregister:
			h.mu.Lock()
			if id, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				logger.Info().Str("client", id).Msg("WebSocket client unregistered.")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn, id := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					// 读循环会负责注销
					logger.Warn().Err(err).Str("client", id).Msg("Error writing to websocket client.")
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount 返回当前连接数。
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastStatusUpdate 通知前端重新拉取 /api/status
func (h *Hub) BroadcastStatusUpdate() {
	logger.Debug().Msg("Hub: Broadcasting status update to all clients.")
	h.send(WebSocketMessage{Type: "status_update"})
}

// OnSettingsUpdate 把提交后的设置推送给前端，实现 settings.ConfigurableModule。
func (h *Hub) OnSettingsUpdate(s settings.Settings) error {
	h.send(WebSocketMessage{Type: "settings_update", Data: s})
	return nil
}

func (h *Hub) send(msg WebSocketMessage) {
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Str("type", msg.Type).Msg("Hub: Failed to marshal message")
		return
	}
	select {
	case h.broadcast <- jsonMsg:
	default:
		logger.Warn().Str("type", msg.Type).Msg("Hub: Broadcast channel is full, skipping message.")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Allow all origins
}

// ServeWs handles websocket requests from the peer.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	hub.register <- conn

	// This is a read pump. It's needed to detect when a client closes the connection.
	go func() {
		defer func() {
			hub.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn().Err(err).Msg("Unexpected websocket close error")
				}
				break
			}
		}
	}()
}
