package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub 管理所有前端 WebSocket 连接并向它们广播车间状态
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex

	// snapshot 新客户端接入时推送一次全量状态
	snapshot func() interface{}
}

// NewHub 创建 Hub，snapshot 可以为 nil
func NewHub(snapshot func() interface{}) *Hub {
	return &Hub{
		broadcast:  make(chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		snapshot:   snapshot,
	}
}

// Run 启动 Hub 主循环，监听注册/注销/广播通道
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			if h.snapshot != nil {
				if message, err := json.Marshal(h.snapshot()); err == nil {
					h.mu.Lock()
					if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
						conn.Close()
						delete(h.clients, conn)
					}
					h.mu.Unlock()
				}
			}
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					slog.Warn("写入 WebSocket 失败", "error", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastState 将状态序列化为 JSON 并发送到广播通道
func (h *Hub) BroadcastState(state interface{}) {
	message, err := json.Marshal(state)
	if err != nil {
		slog.Error("序列化状态失败", "error", err)
		return
	}
	h.broadcast <- message
}

// upgrader 把 HTTP 连接升级为 WebSocket 连接
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 工装台前端与服务端同机部署，放开来源检查
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs 处理来自前端的 WebSocket 请求
// 只做服务端到客户端的单向推送，不读取客户端消息
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("升级 WebSocket 失败", "error", err)
		return
	}
	h.register <- conn
}
