package collab

import (
	"sync"
	"time"
)

// Lock 一条订单的编辑租约
type Lock struct {
	WorkspaceID string    `json:"workspaceId"`
	OrderID     string    `json:"orderId"`
	HolderID    uint64    `json:"holderId"`
	HolderName  string    `json:"holderName,omitempty"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// LockManager 进程内唯一的锁权威：同一 orderID 同一时刻最多一个持有者。
// 所有状态变更都在一把互斥锁里串行执行，两个并发 Acquire 不可能都成功。
//
// 过期判断用 time.Now() 自带的单调时钟（Before/After 比较的是单调读数），
// 系统时间被 NTP 回拨也不会让租约凭空变长或变短。
//
// 过期的租约不会被立刻感知：后台 sweeper 周期性清扫，或者下一次
// Acquire 碰上它时顺手清掉——两条路都会触发 onExpired 回调，
// 由上层把这次"隐式释放"广播出去。
type LockManager struct {
	mu    sync.Mutex
	locks map[string]Lock

	ttl        time.Duration
	sweepEvery time.Duration

	// 扫到过期租约时回调（锁外调用，回调里可以再进 LockManager）
	onExpired func(Lock)

	stop     chan struct{}
	stopOnce sync.Once
}

func NewLockManager(ttl, sweepEvery time.Duration, onExpired func(Lock)) *LockManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if sweepEvery <= 0 {
		sweepEvery = ttl / 3
	}
	m := &LockManager{
		locks:      make(map[string]Lock),
		ttl:        ttl,
		sweepEvery: sweepEvery,
		onExpired:  onExpired,
		stop:       make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Acquire 尝试拿某条订单的编辑锁。
//   - 没人持有或旧租约已过期：授予，返回新租约
//   - 自己已持有：当续约处理（同一个人反复点"编辑"不该失败）
//   - 别人持有且未过期：返回 ErrLockHeld，Lock 里带着当前持有者，
//     调用方拿去拼"xxx 正在编辑"的横幅
func (m *LockManager) Acquire(workspaceID, orderID string, holderID uint64, holderName string) (Lock, error) {
	now := time.Now()
	m.mu.Lock()
	var expired *Lock
	if cur, ok := m.locks[orderID]; ok {
		if now.Before(cur.ExpiresAt) {
			if cur.HolderID == holderID {
				cur.ExpiresAt = now.Add(m.ttl)
				m.locks[orderID] = cur
				m.mu.Unlock()
				return cur, nil
			}
			m.mu.Unlock()
			return cur, ErrLockHeld
		}
		// 过期租约撞上新的获取：这次就是"下一次观察"，出锁后补广播隐式释放
		stale := cur
		expired = &stale
	}
	l := Lock{
		WorkspaceID: workspaceID,
		OrderID:     orderID,
		HolderID:    holderID,
		HolderName:  holderName,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.ttl),
	}
	m.locks[orderID] = l
	m.mu.Unlock()

	if expired != nil && m.onExpired != nil {
		m.onExpired(*expired)
	}
	return l, nil
}

// Renew 续约。租约已经过期、或者已经易主，都算 ErrLockExpiredRace——
// 调用方自以为还持锁，实际早就不是了。返回值里带上当前（新）持有者。
func (m *LockManager) Renew(orderID string, holderID uint64) (Lock, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[orderID]
	if !ok || now.After(cur.ExpiresAt) || cur.HolderID != holderID {
		return cur, ErrLockExpiredRace
	}
	cur.ExpiresAt = now.Add(m.ttl)
	m.locks[orderID] = cur
	return cur, nil
}

// Release 显式释放，只有当前持有者能成功。自己的租约哪怕已过期
// 也允许释放（幂等收尾），别人的一律 ErrNotLockHolder。
func (m *LockManager) Release(orderID string, holderID uint64) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[orderID]
	if !ok || cur.HolderID != holderID {
		return Lock{}, ErrNotLockHolder
	}
	delete(m.locks, orderID)
	return cur, nil
}

// Get 查询当前有效租约。已过期的视为不存在（交给 sweeper 收尸）。
func (m *LockManager) Get(orderID string) (Lock, bool) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[orderID]
	if !ok || now.After(cur.ExpiresAt) {
		return Lock{}, false
	}
	return cur, true
}

func (m *LockManager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *LockManager) sweepLoop() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stop:
			return
		}
	}
}

func (m *LockManager) sweepOnce() {
	now := time.Now()
	var expired []Lock
	m.mu.Lock()
	for orderID, l := range m.locks {
		if now.After(l.ExpiresAt) {
			delete(m.locks, orderID)
			expired = append(expired, l)
		}
	}
	m.mu.Unlock()

	if m.onExpired == nil {
		return
	}
	for _, l := range expired {
		m.onExpired(l)
	}
}
