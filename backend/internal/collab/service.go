package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/cache"
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/entity"
)

// 依赖接口定义在使用方这边，store 包给出具体实现

// OrderStore 订单的权威存储。只有当前持锁者的提交保存会写它。
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*entity.GroupOrder, error)
	// SaveOrder 整表覆盖字段并把版本 +1，返回提交后的版本号
	SaveOrder(ctx context.Context, orderID string, fields map[string]string, updatedBy uint64) (uint64, error)
}

// EditArchive 每条已应用编辑的审计流水，异步追加，丢了不影响主链路
type EditArchive interface {
	AppendEdit(ctx context.Context, e OrderEdit) error
}

// AuthzProvider 编辑权限判定。拿锁前、每次提交前都会问一次
type AuthzProvider interface {
	CanEdit(ctx context.Context, userID uint64, workspaceID, orderID string) (bool, error)
}

type EngineOptions struct {
	// 编辑锁租约时长，持有者每次被接受的编辑都会自动续约
	LockTTL        time.Duration
	LockSweepEvery time.Duration
	// 在线状态存活窗口 = 心跳间隔 × 允许丢失次数（默认 15s × 3）
	PresenceTTL        time.Duration
	PresenceSweepEvery time.Duration
	// 编辑后去抖多久落库
	SaveDebounce    time.Duration
	SaveMaxRetry    int
	SaveBaseBackoff time.Duration
	SaveMaxBackoff  time.Duration
	// 每个会话的出站事件缓冲，满了丢弃
	EventBuffer int
}

// Engine 协作引擎：房间扇出 + 锁权威 + 会话工厂。
// presence/orders/archive/authz/dispatcher 都是注入的外部依赖，
// archive 和 dispatcher 允许为 nil（测试或未接 Kafka 的环境）。
type Engine struct {
	broker     *Broker
	locks      *LockManager
	presence   cache.PresenceCache
	orders     OrderStore
	archive    EditArchive
	authz      AuthzProvider
	dispatcher *KafkaDispatcher

	opt EngineOptions

	stop     chan struct{}
	stopOnce sync.Once
}

func NewEngine(presence cache.PresenceCache, orders OrderStore, archive EditArchive, authz AuthzProvider, dispatcher *KafkaDispatcher, opt EngineOptions) *Engine {
	if opt.LockTTL <= 0 {
		opt.LockTTL = 30 * time.Second
	}
	if opt.LockSweepEvery <= 0 {
		opt.LockSweepEvery = opt.LockTTL / 3
	}
	if opt.PresenceTTL <= 0 {
		opt.PresenceTTL = 45 * time.Second
	}
	if opt.PresenceSweepEvery <= 0 {
		opt.PresenceSweepEvery = 15 * time.Second
	}
	if opt.SaveDebounce <= 0 {
		opt.SaveDebounce = 800 * time.Millisecond
	}
	if opt.SaveMaxRetry <= 0 {
		opt.SaveMaxRetry = 3
	}
	if opt.SaveBaseBackoff <= 0 {
		opt.SaveBaseBackoff = 500 * time.Millisecond
	}
	if opt.SaveMaxBackoff <= 0 {
		opt.SaveMaxBackoff = 5 * time.Second
	}
	if opt.EventBuffer <= 0 {
		opt.EventBuffer = 64
	}

	e := &Engine{
		broker:     NewBroker(),
		presence:   presence,
		orders:     orders,
		archive:    archive,
		authz:      authz,
		dispatcher: dispatcher,
		opt:        opt,
		stop:       make(chan struct{}),
	}
	e.locks = NewLockManager(opt.LockTTL, opt.LockSweepEvery, e.onLockExpired)
	go e.presenceSweepLoop()
	return e
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.locks.Stop()
	})
}

// 会话序号，进程内唯一即可（和 newEditID 一个路数）
var sessionCounter uint64

// OpenSession 建立一个逻辑会话并加入工作区房间。clientID 区分同一
// 用户的多端/多标签页，留空则由服务端生成。
//
// 去重身份必须每个会话全新：接收端按 clientId 记去重水位线
// （OrderDocument.lastSeqByClient），而新会话的序号从零起步。重连
// 沿用旧 clientId 的话，新编辑全会被对端留着的旧水位线当成重放
// 吞掉。所以服务端一律在 clientId 后面再拼一段进程内递增的后缀。
func (e *Engine) OpenSession(ctx context.Context, workspaceID string, userID uint64, username, clientID string) (*Session, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("missing workspaceId")
	}
	if clientID == "" {
		clientID = "c"
	}
	clientID = fmt.Sprintf("%s#%d", clientID, atomic.AddUint64(&sessionCounter, 1))
	s := &Session{
		engine:         e,
		workspaceID:    workspaceID,
		userID:         userID,
		username:       username,
		clientID:       clientID,
		state:          StateViewing,
		events:         make(chan Event, e.opt.EventBuffer),
		lastPresenceMs: make(map[uint64]int64),
	}
	e.broker.Join(workspaceID, s)

	// 上来先打一次心跳把自己标成在线；presence 属于尽力而为，
	// Redis 抖一下不影响会话本身可用
	entry := cache.PresenceEntry{
		WorkspaceID:  workspaceID,
		UserID:       userID,
		Username:     username,
		Status:       cache.StatusOnline,
		LastActivity: time.Now().UnixMilli(),
	}
	applied, err := e.presence.Heartbeat(ctx, entry, e.opt.PresenceTTL)
	if err != nil {
		log.Printf("presence heartbeat error (user=%d, ws=%s): %v", userID, workspaceID, err)
	} else if applied {
		e.broker.Broadcast(workspaceID, PresenceEvent{Type: EventPresence, WorkspaceID: workspaceID, Entry: entry})
	}
	return s, nil
}

// LockState 查某条订单当前的有效租约（REST 查询用）
func (e *Engine) LockState(orderID string) (Lock, bool) {
	return e.locks.Get(orderID)
}

// 租约过期被观察到（sweeper 或下一次 Acquire），对外广播一次隐式释放
func (e *Engine) onLockExpired(l Lock) {
	log.Printf("lock expired order=%s holder=%d(%s)", l.OrderID, l.HolderID, l.HolderName)
	e.broker.Broadcast(l.WorkspaceID, LockEvent{
		Type:        EventLock,
		WorkspaceID: l.WorkspaceID,
		OrderID:     l.OrderID,
		Locked:      false,
		HolderID:    l.HolderID,
		HolderName:  l.HolderName,
		Reason:      LockReasonExpired,
	})
}

// 周期性清扫掉线成员：过期的从在线集合移除并广播离线事件。
// 只扫当前有人订阅的工作区，空房间没有观众，扫了也没人看。
func (e *Engine) presenceSweepLoop() {
	ticker := time.NewTicker(e.opt.PresenceSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepPresenceOnce()
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) sweepPresenceOnce() {
	for _, workspaceID := range e.broker.Workspaces() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		gone, err := e.presence.Sweep(ctx, workspaceID)
		cancel()
		if err != nil {
			log.Printf("presence sweep error (ws=%s): %v", workspaceID, err)
			continue
		}
		now := time.Now().UnixMilli()
		for _, userID := range gone {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := e.presence.Disconnect(ctx, workspaceID, userID, now); err != nil {
				log.Printf("presence disconnect error (user=%d, ws=%s): %v", userID, workspaceID, err)
			}
			cancel()
			e.broker.Broadcast(workspaceID, PresenceEvent{
				Type:        EventPresence,
				WorkspaceID: workspaceID,
				Entry: cache.PresenceEntry{
					WorkspaceID:  workspaceID,
					UserID:       userID,
					Status:       cache.StatusOffline,
					LastActivity: now,
				},
			})
		}
	}
}

// parseFields 存储里的字段表是一列 JSON 文本，空串当空表
func parseFields(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
