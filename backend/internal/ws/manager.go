package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/collab"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	engine *collab.Engine
	sem    *collab.SemaphoreControl
}

func NewManager(engine *collab.Engine, sem *collab.SemaphoreControl) *Manager {
	return &Manager{engine: engine, sem: sem}
}

// WebSocketConnect 升级连接并建立协作会话。
// 身份从鉴权中间件写入的上下文取；workspaceId 必须在 query 里给出，
// clientId 可选（多标签页区分用）。服务端会在 clientId 后面再拼一段
// 会话序号，重连的新会话不会顶着旧的去重身份发编辑。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	workspaceID := c.Query("workspaceId")
	if workspaceID == "" {
		c.String(http.StatusBadRequest, "missing workspaceId")
		return
	}
	clientID := c.Query("clientId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	// defer：用于延迟执行（延迟至return处）
	defer conn.Close()

	session, err := m.engine.OpenSession(c.Request.Context(), workspaceID, userID, username, clientID)
	if err != nil {
		_ = conn.WriteJSON(ServerMessage{Type: "error", Code: "OPEN_SESSION_FAILED", Content: err.Error()})
		return
	}

	wsConn := NewConn(conn, session, m.sem)

	// 先启动写循环和事件泵，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	go wsConn.pumpEvents()

	wsConn.send <- ServerMessage{Type: "welcome", Content: "已连接到工作区 " + workspaceID}

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
