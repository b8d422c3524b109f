package collab

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/cache"
)

// SessionState 会话对当前打开订单的状态机
type SessionState string

const (
	StateViewing        SessionState = "viewing"
	StateRequestingLock SessionState = "requesting_lock"
	StateEditing        SessionState = "editing"
	StateSaving         SessionState = "saving"
	StateReleasingLock  SessionState = "releasing_lock"
)

// Session 一个已连接客户端的逻辑会话：命令入口 + 事件出口。
// 命令由 ws 读循环串行调用；deliver 则可能从任意会话的广播里并发
// 进来，所以内部状态统一由 s.mu 保护。
//
// 约定：任何会拿别的会话 mu 的动作（广播投递）都必须在 s.mu 外执行，
// 否则两个会话互相广播时会 ABBA 死锁。
type Session struct {
	engine      *Engine
	workspaceID string
	userID      uint64
	username    string
	clientID    string

	mu        sync.Mutex
	state     SessionState
	doc       *OrderDocument
	clientSeq uint64
	closed    bool

	// 保存去抖与重试（见 controller.go）
	saveTimer *time.Timer
	saveDirty bool
	saveTries int

	events chan Event
	// userId -> 最近一次 presence 事件的 lastActivity，旧的丢弃
	lastPresenceMs map[uint64]int64
}

// OrderSnapshot 打开订单时回给客户端的完整画面
type OrderSnapshot struct {
	OrderID   string            `json:"orderId"`
	Title     string            `json:"title"`
	Fields    map[string]string `json:"fields"`
	Version   uint64            `json:"version"`
	Lock      *Lock             `json:"lock,omitempty"`
	Conflicts []ConflictRecord  `json:"conflicts,omitempty"`
}

func (s *Session) WorkspaceID() string { return s.workspaceID }
func (s *Session) UserID() uint64      { return s.userID }
func (s *Session) Username() string    { return s.username }
func (s *Session) ClientID() string    { return s.clientID }

// Events 出站事件流。会话关闭时通道被关闭。
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Document 当前打开的投影（没打开返回 nil）。测试和 REST 快照用。
func (s *Session) Document() *OrderDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// OpenOrder 打开（或切换到）一条订单：从权威存储拉快照建立本地投影。
// 已经开着别的订单时先走一遍 CloseOrder 的冲洗/释放流程。
func (s *Session) OpenOrder(ctx context.Context, orderID string) (*OrderSnapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrChannelDisconnected
	}
	if s.doc != nil && s.doc.OrderID() == orderID {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, nil
	}
	hasDoc := s.doc != nil
	s.mu.Unlock()

	if hasDoc {
		if err := s.CloseOrder(ctx); err != nil {
			return nil, err
		}
	}

	order, err := s.engine.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	fields, err := parseFields(order.Fields)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrChannelDisconnected
	}
	s.doc = NewOrderDocument(s.workspaceID, orderID, order.Title, fields, order.Version)
	s.state = StateViewing
	snap := s.snapshotLocked()
	s.mu.Unlock()
	return snap, nil
}

// RequestLock 申请当前订单的编辑锁。路径：
//
//	viewing -> requesting_lock -> editing（拿到）
//	                           -> viewing（被占/无权限，带横幅）
func (s *Session) RequestLock(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrChannelDisconnected
	}
	if s.doc == nil {
		s.mu.Unlock()
		return ErrDocumentNotOpen
	}
	orderID := s.doc.OrderID()
	s.state = StateRequestingLock
	s.mu.Unlock()

	allowed, err := s.engine.authz.CanEdit(ctx, s.userID, s.workspaceID, orderID)
	if err != nil || !allowed {
		if err != nil {
			log.Printf("authz check error (user=%d, order=%s): %v", s.userID, orderID, err)
		}
		s.setStateViewing()
		s.deliver(BannerEvent{Type: EventBanner, Level: BannerWarn, Code: ErrUnauthorizedEdit.Error(),
			Message: "你没有编辑这条订单的权限"})
		return ErrUnauthorizedEdit
	}

	l, err := s.engine.locks.Acquire(s.workspaceID, orderID, s.userID, s.username)
	if err != nil {
		// 被占：横幅里带上当前持有者，UI 显示"xxx 正在编辑"
		s.setStateViewing()
		s.deliver(BannerEvent{Type: EventBanner, Level: BannerInfo, Code: ErrLockHeld.Error(),
			Message: l.HolderName + " 正在编辑这条订单"})
		return err
	}

	s.mu.Lock()
	s.state = StateEditing
	s.saveTries = 0
	s.mu.Unlock()

	s.engine.broker.Broadcast(s.workspaceID, LockEvent{
		Type:        EventLock,
		WorkspaceID: s.workspaceID,
		OrderID:     orderID,
		Locked:      true,
		HolderID:    l.HolderID,
		HolderName:  l.HolderName,
		ExpiresAt:   l.ExpiresAt,
		Reason:      LockReasonAcquired,
	})
	return nil
}

// ReleaseLock 显式交锁。先把欠着的保存冲掉——保存失败时锁不放、
// 状态回 editing，让持有者留在能重试的位置上。
func (s *Session) ReleaseLock(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrChannelDisconnected
	}
	if s.doc == nil {
		s.mu.Unlock()
		return ErrDocumentNotOpen
	}
	if s.state != StateEditing && s.state != StateSaving {
		s.mu.Unlock()
		return ErrNotLockHolder
	}
	orderID := s.doc.OrderID()
	s.state = StateReleasingLock
	s.stopSaveTimerLocked()
	mustFlush := s.saveDirty
	s.mu.Unlock()

	if mustFlush {
		if err := s.flushSave(ctx); err != nil {
			s.mu.Lock()
			s.state = StateEditing
			s.mu.Unlock()
			s.deliver(BannerEvent{Type: EventBanner, Level: BannerError, Code: ErrSaveFailed.Error(),
				Message: "保存失败，锁未释放，请稍后重试"})
			return ErrSaveFailed
		}
	}

	released, err := s.engine.locks.Release(orderID, s.userID)
	s.setStateViewing()
	if err != nil {
		// 租约早就没了（过期被清/被抢），释放的目的已经达到，不再广播
		return nil
	}
	s.engine.broker.Broadcast(s.workspaceID, LockEvent{
		Type:        EventLock,
		WorkspaceID: s.workspaceID,
		OrderID:     orderID,
		Locked:      false,
		HolderID:    released.HolderID,
		HolderName:  released.HolderName,
		Reason:      LockReasonReleased,
	})
	return nil
}

// SubmitEdit 提交一次本地字段编辑。完整管线：
// 持锁校验（续约）→ 权限校验 → 乐观应用 → 去抖保存 → 广播 → Kafka/流水。
// 编辑被接受即自动续约，活跃的持有者租约永不过期。
func (s *Session) SubmitEdit(ctx context.Context, fieldPath, newValue string) (OrderEdit, error) {
	if err := s.ensureEditable(); err != nil {
		return OrderEdit{}, err
	}
	orderID := s.currentOrderID()

	allowed, err := s.engine.authz.CanEdit(ctx, s.userID, s.workspaceID, orderID)
	if err != nil || !allowed {
		if err != nil {
			log.Printf("authz check error (user=%d, order=%s): %v", s.userID, orderID, err)
		}
		return OrderEdit{}, ErrUnauthorizedEdit
	}
	if err := s.renewLease(orderID); err != nil {
		return OrderEdit{}, err
	}

	s.mu.Lock()
	if s.doc == nil {
		s.mu.Unlock()
		return OrderEdit{}, ErrDocumentNotOpen
	}
	s.clientSeq++
	edit, err := s.doc.ApplyLocal(s.userID, s.username, s.clientID, s.clientSeq, fieldPath, newValue)
	if err != nil {
		s.mu.Unlock()
		return OrderEdit{}, err
	}
	s.scheduleSaveLocked()
	s.mu.Unlock()

	s.fanOutEdit(ctx, edit)
	return edit, nil
}

// Undo 撤销最近一次本地编辑。对外就是一条普通编辑（old/new 互换），
// 走和 SubmitEdit 完全相同的后半程。
func (s *Session) Undo(ctx context.Context) (OrderEdit, error) {
	return s.replayStack(ctx, func(doc *OrderDocument, seq uint64) (OrderEdit, error) {
		return doc.Undo(s.userID, s.username, s.clientID, seq)
	})
}

// Redo 重做最近一次被撤销的编辑
func (s *Session) Redo(ctx context.Context) (OrderEdit, error) {
	return s.replayStack(ctx, func(doc *OrderDocument, seq uint64) (OrderEdit, error) {
		return doc.Redo(s.userID, s.username, s.clientID, seq)
	})
}

func (s *Session) replayStack(ctx context.Context, apply func(*OrderDocument, uint64) (OrderEdit, error)) (OrderEdit, error) {
	if err := s.ensureEditable(); err != nil {
		return OrderEdit{}, err
	}
	orderID := s.currentOrderID()
	if err := s.renewLease(orderID); err != nil {
		return OrderEdit{}, err
	}

	s.mu.Lock()
	if s.doc == nil {
		s.mu.Unlock()
		return OrderEdit{}, ErrDocumentNotOpen
	}
	s.clientSeq++
	edit, err := apply(s.doc, s.clientSeq)
	if err != nil {
		s.mu.Unlock()
		return OrderEdit{}, err
	}
	s.scheduleSaveLocked()
	s.mu.Unlock()

	s.fanOutEdit(ctx, edit)
	return edit, nil
}

// ResolveConflict 人工裁决：把选中的值当成一条全新编辑重新提交。
// chosen 可以是本地值、远端值或手敲的第三个值。
func (s *Session) ResolveConflict(ctx context.Context, fieldPath, chosen string) (OrderEdit, error) {
	if err := s.ensureEditable(); err != nil {
		return OrderEdit{}, err
	}
	orderID := s.currentOrderID()
	if err := s.renewLease(orderID); err != nil {
		return OrderEdit{}, err
	}

	s.mu.Lock()
	if s.doc == nil {
		s.mu.Unlock()
		return OrderEdit{}, ErrDocumentNotOpen
	}
	s.clientSeq++
	edit, err := s.doc.Resolve(s.userID, s.username, s.clientID, s.clientSeq, fieldPath, chosen)
	if err != nil {
		s.mu.Unlock()
		return OrderEdit{}, err
	}
	s.scheduleSaveLocked()
	s.mu.Unlock()

	s.fanOutEdit(ctx, edit)
	return edit, nil
}

// Heartbeat 上报在线状态/当前页面/光标。写入被判定为过期（LWW）时
// 静默丢弃，不广播。
func (s *Session) Heartbeat(ctx context.Context, status, page string, cursor *cache.CursorPosition) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrChannelDisconnected
	}
	s.mu.Unlock()

	if status == "" {
		status = cache.StatusOnline
	}
	entry := cache.PresenceEntry{
		WorkspaceID:  s.workspaceID,
		UserID:       s.userID,
		Username:     s.username,
		Status:       status,
		CurrentPage:  page,
		Cursor:       cursor,
		LastActivity: time.Now().UnixMilli(),
	}
	applied, err := s.engine.presence.Heartbeat(ctx, entry, s.engine.opt.PresenceTTL)
	if err != nil {
		return err
	}
	if applied {
		s.engine.broker.Broadcast(s.workspaceID, PresenceEvent{Type: EventPresence, WorkspaceID: s.workspaceID, Entry: entry})
	}
	return nil
}

// Roster 当前工作区的在线成员表
func (s *Session) Roster(ctx context.Context) ([]cache.PresenceEntry, error) {
	return s.engine.presence.GetAliveEntries(ctx, s.workspaceID)
}

// CloseOrder 关闭当前订单视图：冲掉欠着的保存、持锁则交锁、丢投影。
// 冲洗失败只打横幅不挡关闭，租约留给到期清扫兜底。
func (s *Session) CloseOrder(ctx context.Context) error {
	s.mu.Lock()
	if s.doc == nil {
		s.mu.Unlock()
		return nil
	}
	orderID := s.doc.OrderID()
	holder := s.state == StateEditing || s.state == StateSaving
	s.stopSaveTimerLocked()
	mustFlush := s.saveDirty && holder
	s.mu.Unlock()

	if mustFlush {
		if err := s.flushSave(ctx); err != nil {
			log.Printf("flush on close failed (order=%s, user=%d): %v", orderID, s.userID, err)
			s.deliver(BannerEvent{Type: EventBanner, Level: BannerError, Code: ErrSaveFailed.Error(),
				Message: "关闭前保存失败，最近的改动可能丢失"})
		}
	}

	if holder {
		if released, err := s.engine.locks.Release(orderID, s.userID); err == nil {
			s.engine.broker.Broadcast(s.workspaceID, LockEvent{
				Type:        EventLock,
				WorkspaceID: s.workspaceID,
				OrderID:     orderID,
				Locked:      false,
				HolderID:    released.HolderID,
				HolderName:  released.HolderName,
				Reason:      LockReasonReleased,
			})
		}
	}

	s.mu.Lock()
	s.doc = nil
	s.saveDirty = false
	s.state = StateViewing
	s.mu.Unlock()
	return nil
}

// Close 会话收尾：关订单视图、退房间、presence 标记离线、关事件通道。
// 连接断开和客户端主动退出都走这里，幂等，并发重复调用也只收尾一次。
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	// 置位必须和判断在同一个临界区里：并发进来的第二个 Close
	// 在上面就返回了，close(s.events) 不可能执行两次
	s.closed = true
	s.mu.Unlock()

	_ = s.CloseOrder(ctx)

	s.engine.broker.Leave(s.workspaceID, s)

	now := time.Now().UnixMilli()
	if err := s.engine.presence.Disconnect(ctx, s.workspaceID, s.userID, now); err != nil {
		log.Printf("presence disconnect error (user=%d, ws=%s): %v", s.userID, s.workspaceID, err)
	}
	s.engine.broker.Broadcast(s.workspaceID, PresenceEvent{
		Type:        EventPresence,
		WorkspaceID: s.workspaceID,
		Entry: cache.PresenceEntry{
			WorkspaceID:  s.workspaceID,
			UserID:       s.userID,
			Username:     s.username,
			Status:       cache.StatusOffline,
			LastActivity: now,
		},
	})

	// closed 早已置位，不会再有 deliver 往通道里塞，可以安全关闭
	s.mu.Lock()
	close(s.events)
	s.mu.Unlock()
	return nil
}

// ---- 内部 ----

// deliver 广播入口。除了转发，还承担两件事：
//   - presence 按 lastActivity 做 LWW，乱序到达的旧事件丢弃
//   - 远端编辑先过本地检测器：应用了才转发，分叉则换成 ConflictEvent
//     （冲突只给自己看，绝不广播）
func (s *Session) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	var extra Event
	switch e := ev.(type) {
	case PresenceEvent:
		if last, ok := s.lastPresenceMs[e.Entry.UserID]; ok && e.Entry.LastActivity < last {
			return
		}
		s.lastPresenceMs[e.Entry.UserID] = e.Entry.LastActivity

	case EditEvent:
		// 回声抑制：自己发出的编辑不再回放给自己
		if e.Edit.ClientID == s.clientID {
			return
		}
		if s.doc != nil && s.doc.OrderID() == e.Edit.OrderID {
			applied, rec, err := s.doc.ApplyRemote(e.Edit)
			if err != nil {
				// 重复/乱序投递，静默丢弃
				return
			}
			if !applied && rec != nil {
				ev = ConflictEvent{Type: EventConflict, OrderID: e.Edit.OrderID, Conflict: *rec}
			}
		}
		// 没开这条订单的会话原样转发，前端拿去做活动流

	case SavedEvent:
		if s.doc != nil && s.doc.OrderID() == e.OrderID {
			s.doc.MarkSaved(e.CommittedVersion)
		}

	case LockEvent:
		// 自己的租约被清扫掉线：立刻把状态机降回 viewing，
		// 不等下一次编辑碰壁
		if !e.Locked && e.Reason == LockReasonExpired && e.HolderID == s.userID &&
			s.doc != nil && s.doc.OrderID() == e.OrderID &&
			(s.state == StateEditing || s.state == StateSaving) {
			s.state = StateViewing
			s.stopSaveTimerLocked()
			s.saveDirty = false
			extra = BannerEvent{Type: EventBanner, Level: BannerWarn, Code: ErrLockExpiredRace.Error(),
				Message: "编辑锁已过期，请重新获取"}
		}
	}

	s.enqueueLocked(ev)
	if extra != nil {
		s.enqueueLocked(extra)
	}
}

// enqueueLocked 非阻塞投递，队列满了丢弃（慢消费者自己负责）
func (s *Session) enqueueLocked(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Session) ensureEditable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrChannelDisconnected
	}
	if s.doc == nil {
		return ErrDocumentNotOpen
	}
	// 非持锁者在入口就拒绝，检测器只处理真正并发的分叉
	if s.state != StateEditing && s.state != StateSaving {
		return ErrNotLockHolder
	}
	return nil
}

func (s *Session) currentOrderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return ""
	}
	return s.doc.OrderID()
}

func (s *Session) setStateViewing() {
	s.mu.Lock()
	s.state = StateViewing
	s.mu.Unlock()
}

// renewLease 每次被接受的编辑都续一次约；续不上说明租约已经
// 易主或过期，状态机立刻降级并通知 UI。
func (s *Session) renewLease(orderID string) error {
	cur, err := s.engine.locks.Renew(orderID, s.userID)
	if err == nil {
		return nil
	}
	s.mu.Lock()
	s.state = StateViewing
	s.stopSaveTimerLocked()
	s.saveDirty = false
	s.mu.Unlock()

	msg := "编辑锁已失效，请重新获取"
	if cur.HolderID != 0 && cur.HolderID != s.userID {
		msg = "编辑锁已被 " + cur.HolderName + " 接管"
	}
	s.deliver(BannerEvent{Type: EventBanner, Level: BannerWarn, Code: ErrLockExpiredRace.Error(), Message: msg})
	return ErrLockExpiredRace
}

// fanOutEdit 编辑被接受后的三路分发：房间广播（除自己）、Kafka、流水
func (s *Session) fanOutEdit(ctx context.Context, edit OrderEdit) {
	s.engine.broker.BroadcastExcept(s.workspaceID, s, EditEvent{Type: EventEdit, Edit: edit})

	if s.engine.dispatcher != nil {
		if err := s.engine.dispatcher.Enqueue(ctx, editEventOf(edit)); err != nil {
			log.Printf("kafka enqueue failed (order=%s, edit=%s): %v", edit.OrderID, edit.EditID, err)
		}
	}
	if s.engine.archive != nil {
		go func(e OrderEdit) {
			actx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := s.engine.archive.AppendEdit(actx, e); err != nil {
				log.Printf("edit archive append failed (order=%s, edit=%s): %v", e.OrderID, e.EditID, err)
			}
		}(edit)
	}
}

func (s *Session) snapshotLocked() *OrderSnapshot {
	snap := &OrderSnapshot{
		OrderID:   s.doc.OrderID(),
		Title:     s.doc.Title(),
		Fields:    s.doc.Fields(),
		Version:   s.doc.Version(),
		Conflicts: s.doc.PendingConflicts(),
	}
	if l, ok := s.engine.locks.Get(snap.OrderID); ok {
		snap.Lock = &l
	}
	return snap
}
