package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/entity"
)

type fakeMemberSource struct {
	mu      sync.Mutex
	calls   int
	members map[string]*entity.WorkspaceMember
}

func (f *fakeMemberSource) GetMember(ctx context.Context, wsID string, userID uint64) (*entity.WorkspaceMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	m := f.members[fmt.Sprintf("%s:%d", wsID, userID)]
	if m == nil {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMemberSource) sourceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRosterCache_CacheAside(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.FlushAll(context.Background())

	src := &fakeMemberSource{members: map[string]*entity.WorkspaceMember{
		"ws-r:1": {WorkspaceID: "ws-r", UserID: 1, Username: "alice", DisplayName: "Alice", Role: entity.RoleEditor, JoinedAt: time.Now()},
	}}
	rc := NewRosterCache(rdb, src)
	ctx := context.Background()

	// 第一次未命中，回源
	m, err := rc.GetMember(ctx, "ws-r", 1)
	if err != nil {
		t.Fatalf("GetMember() error = %v", err)
	}
	if m == nil || m.Username != "alice" || m.Role != entity.RoleEditor {
		t.Fatalf("member = %+v, want alice/editor", m)
	}
	if got := src.sourceCalls(); got != 1 {
		t.Fatalf("source calls = %d, want 1", got)
	}

	// 第二次走缓存，不回源
	m, err = rc.GetMember(ctx, "ws-r", 1)
	if err != nil {
		t.Fatalf("GetMember() #2 error = %v", err)
	}
	if m == nil || m.DisplayName != "Alice" {
		t.Fatalf("cached member = %+v, want DisplayName Alice", m)
	}
	if got := src.sourceCalls(); got != 1 {
		t.Fatalf("source calls after cache hit = %d, want 1", got)
	}
}

func TestRosterCache_NullMarkerStopsPenetration(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.FlushAll(context.Background())

	src := &fakeMemberSource{members: map[string]*entity.WorkspaceMember{}}
	rc := NewRosterCache(rdb, src)
	ctx := context.Background()

	// 不存在的成员：第一次回源并写空值标记
	m, err := rc.GetMember(ctx, "ws-null", 404)
	if err != nil {
		t.Fatalf("GetMember() error = %v", err)
	}
	if m != nil {
		t.Fatalf("member = %+v, want nil", m)
	}
	// 第二次命中空值标记，不再打数据库
	if _, err := rc.GetMember(ctx, "ws-null", 404); err != nil {
		t.Fatalf("GetMember() #2 error = %v", err)
	}
	if got := src.sourceCalls(); got != 1 {
		t.Fatalf("source calls = %d, want 1 (空值标记挡穿透)", got)
	}
}

func TestRosterCache_SingleflightCollapsesBurst(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.FlushAll(context.Background())

	src := &fakeMemberSource{members: map[string]*entity.WorkspaceMember{
		"ws-sf:9": {WorkspaceID: "ws-sf", UserID: 9, Username: "hot", Role: entity.RoleOwner},
	}}
	rc := NewRosterCache(rdb, src)
	ctx := context.Background()

	// 冷 key 上的并发突刺：singleflight 合并，数据库最多打一次
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := rc.GetMember(ctx, "ws-sf", 9)
			if err == nil && (m == nil || m.Username != "hot") {
				err = fmt.Errorf("unexpected member: %+v", m)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent GetMember() error = %v", err)
		}
	}
	if got := src.sourceCalls(); got != 1 {
		t.Fatalf("source calls = %d, want 1 (并发合并回源)", got)
	}
}
