package collab

import "sync"

// Broker 工作区维度的事件扇出。收敛完全靠消息传递：
// 会话之间没有任何共享可变状态，谁也不直接碰谁的投影。
type Broker struct {
	// 读写锁保护 rooms 这张 map，加入/离开/广播都要先拿锁
	mu sync.RWMutex
	// workspaceID -> set of sessions
	// 房间里存的是 Session 而不是 userID：一个用户可开多个标签页/设备，
	// 扇出要逐会话投递，不能按 userID 只发一次。
	rooms map[string]map[*Session]struct{}
}

func NewBroker() *Broker {
	return &Broker{rooms: make(map[string]map[*Session]struct{})}
}

// Join 把会话加入工作区房间
func (b *Broker) Join(workspaceID string, s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[workspaceID] == nil {
		b.rooms[workspaceID] = make(map[*Session]struct{})
	}
	b.rooms[workspaceID][s] = struct{}{}
}

// Leave 把会话从工作区房间移除
func (b *Broker) Leave(workspaceID string, s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sessions, ok := b.rooms[workspaceID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(b.rooms, workspaceID)
		}
	}
}

// Broadcast 投递给房间内所有会话（包括发起方自己）。
// 先在锁里把成员拷出来，投递放在锁外——deliver 里会拿各会话
// 自己的互斥锁，不能让它在 rooms 的锁底下跑。
func (b *Broker) Broadcast(workspaceID string, ev Event) {
	for _, s := range b.snapshot(workspaceID) {
		s.deliver(ev)
	}
}

// BroadcastExcept 投递给房间内除 from 以外的会话。
// 编辑操作用这个：发起方不用收自己的回声。
func (b *Broker) BroadcastExcept(workspaceID string, from *Session, ev Event) {
	for _, s := range b.snapshot(workspaceID) {
		if s == from {
			continue
		}
		s.deliver(ev)
	}
}

// Workspaces 当前有人的工作区列表（presence 清扫用）
func (b *Broker) Workspaces() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.rooms))
	for id := range b.rooms {
		out = append(out, id)
	}
	return out
}

func (b *Broker) snapshot(workspaceID string) []*Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sessions := b.rooms[workspaceID]
	out := make([]*Session, 0, len(sessions))
	for s := range sessions {
		out = append(out, s)
	}
	return out
}
