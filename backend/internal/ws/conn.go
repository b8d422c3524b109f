package ws

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/collab"
)

// 编辑类命令的处理预算。上游鉴权最多 1.2s，这里要给足
const editOpTimeout = 2 * time.Second

type Conn struct {
	ws      *websocket.Conn
	session *collab.Session
	// 信号量控制：编辑类命令的并发上限
	sem *collab.SemaphoreControl
	// chan 是 goroutine 之间通信的队列，出站消息全部经过它，
	// 保证同一连接上只有 writeLoop 一个 goroutine 在写 socket
	send chan collab.Event
	// pumpEvents 退出信号，收尾时等它结束才能关 send
	pumpDone chan struct{}
}

func NewConn(ws *websocket.Conn, session *collab.Session, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		session:  session,
		sem:      sem,
		send:     make(chan collab.Event, 32),
		pumpDone: make(chan struct{}),
	}
}

func (c *Conn) SendMessage_Enqueue(msg collab.Event) {
	select {
	case c.send <- msg:
	default:
		// 如果队列满了，则丢弃消息
	}
}

// pumpEvents 把会话的事件流搬进出站队列。会话关闭时事件通道
// 被关闭，循环自然结束。
func (c *Conn) pumpEvents() {
	for ev := range c.session.Events() {
		c.SendMessage_Enqueue(ev)
	}
	close(c.pumpDone)
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}

// readLoop 命令入口，连接断开（读错误）时走统一收尾：
// 关会话（冲保存/交锁/退房间/标离线）→ 等事件泵排空 → 关出站队列
func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.send)
	defer func() { <-c.pumpDone }()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.session.Close(closeCtx)
	}()

	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			log.Printf("read json error (user=%d, ws=%s): %v", c.session.UserID(), c.session.WorkspaceID(), err)
			return
		}

		switch clientMessage.Type {
		case "heartbeat":
			if err := c.session.Heartbeat(ctx, clientMessage.Status, clientMessage.Page, clientMessage.Cursor); err != nil {
				log.Printf("heartbeat error (user=%d): %v", c.session.UserID(), err)
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})

		case "openOrder":
			if clientMessage.OrderID == "" {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: "MISSING_ORDER_ID"})
				continue
			}
			snap, err := c.session.OpenOrder(ctx, clientMessage.OrderID)
			if err != nil {
				log.Printf("open order error (user=%d, order=%s): %v", c.session.UserID(), clientMessage.OrderID, err)
				c.SendMessage_Enqueue(ServerMessage{Type: "error", OrderID: clientMessage.OrderID, Code: err.Error()})
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "order", OrderID: snap.OrderID, Snapshot: snap})

		case "closeOrder":
			if err := c.session.CloseOrder(ctx); err != nil {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: err.Error()})
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Order closed"})

		case "requestLock":
			if err := c.session.RequestLock(ctx); err != nil {
				// 被占/无权限的横幅已经由会话投递，这里只回命令结果
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: err.Error()})
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Lock acquired"})

		case "releaseLock":
			if err := c.session.ReleaseLock(ctx); err != nil {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: err.Error()})
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Lock released"})

		case "submitEdit":
			field, value := clientMessage.FieldPath, clientMessage.Value
			c.handleEditCommand(ctx, func(opCtx context.Context) (collab.OrderEdit, error) {
				return c.session.SubmitEdit(opCtx, field, value)
			})

		case "undo":
			c.handleEditCommand(ctx, c.session.Undo)

		case "redo":
			c.handleEditCommand(ctx, c.session.Redo)

		case "resolveConflict":
			field, value := clientMessage.FieldPath, clientMessage.Value
			c.handleEditCommand(ctx, func(opCtx context.Context) (collab.OrderEdit, error) {
				return c.session.ResolveConflict(opCtx, field, value)
			})

		case "showPresence":
			members, err := c.session.Roster(ctx)
			if err != nil {
				log.Printf("get roster error (ws=%s): %v", c.session.WorkspaceID(), err)
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: "ROSTER_UNAVAILABLE"})
				continue
			}
			c.SendMessage_Enqueue(ServerMessage{Type: "roster", Members: members})

		default:
			// 忽略未知类型，或回一条提示
			c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

// handleEditCommand submitEdit/undo/redo/resolveConflict 的公共外壳：
// 信号量限流 + 超时预算 + ack/错误回包
func (c *Conn) handleEditCommand(ctx context.Context, apply func(context.Context) (collab.OrderEdit, error)) {
	opCtx, cancel := context.WithTimeout(ctx, editOpTimeout)
	defer cancel()

	if err := c.sem.Acquire(opCtx); err != nil {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}
	defer c.sem.Release()

	edit, err := apply(opCtx)
	if err != nil {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Code: err.Error()})
		return
	}
	c.SendMessage_Enqueue(ServerMessage{
		Type:    "edit_accepted",
		OrderID: edit.OrderID,
		Version: edit.Version,
		Edit:    &edit,
	})
}
