package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	redis "github.com/redis/go-redis/v9"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/cache"
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/entity"
)

type staticMembers struct {
	members map[uint64]*entity.WorkspaceMember
}

func (s staticMembers) GetMember(ctx context.Context, wsID string, userID uint64) (*entity.WorkspaceMember, error) {
	return s.members[userID], nil
}

func TestRosterAuthz_RoleGate(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.FlushAll(context.Background())

	roster := cache.NewRosterCache(rdb, staticMembers{members: map[uint64]*entity.WorkspaceMember{
		1: {WorkspaceID: "ws-1", UserID: 1, Username: "owner", Role: entity.RoleOwner},
		2: {WorkspaceID: "ws-1", UserID: 2, Username: "editor", Role: entity.RoleEditor},
		3: {WorkspaceID: "ws-1", UserID: 3, Username: "viewer", Role: entity.RoleViewer},
	}})
	a := NewRosterAuthz(roster)
	ctx := context.Background()

	// owner / editor 能编辑
	for _, uid := range []uint64{1, 2} {
		ok, err := a.CanEdit(ctx, uid, "ws-1", "go-1")
		if err != nil || !ok {
			t.Fatalf("CanEdit(%d) = %v, %v, want true, nil", uid, ok, err)
		}
	}
	// viewer 只读
	if ok, err := a.CanEdit(ctx, 3, "ws-1", "go-1"); err != nil || ok {
		t.Fatalf("CanEdit(viewer) = %v, %v, want false, nil", ok, err)
	}
	// 名册外的人一律拒绝
	if ok, err := a.CanEdit(ctx, 404, "ws-1", "go-1"); err != nil || ok {
		t.Fatalf("CanEdit(stranger) = %v, %v, want false, nil", ok, err)
	}
}

func TestHTTPAuthz_Check(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var req checkReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(checkResp{Allowed: req.UserID == 1 && req.OrderID == "go-1"})
	}))
	defer srv.Close()

	a := NewHTTPAuthz(srv.URL)
	ctx := context.Background()

	ok, err := a.CanEdit(ctx, 1, "ws-1", "go-1")
	if err != nil || !ok {
		t.Fatalf("CanEdit(1) = %v, %v, want true, nil", ok, err)
	}
	if gotPath != "/v1/authz/check" {
		t.Fatalf("check path = %q, want /v1/authz/check", gotPath)
	}
	if ok, err := a.CanEdit(ctx, 2, "ws-1", "go-1"); err != nil || ok {
		t.Fatalf("CanEdit(2) = %v, %v, want false, nil", ok, err)
	}
}

func TestHTTPAuthz_ForbiddenIsDenyNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := NewHTTPAuthz(srv.URL)
	if ok, err := a.CanEdit(context.Background(), 1, "ws-1", "go-1"); err != nil || ok {
		t.Fatalf("CanEdit() on 403 = %v, %v, want false, nil", ok, err)
	}
}

func TestHTTPAuthz_UpstreamErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewHTTPAuthz(srv.URL)
	if _, err := a.CanEdit(context.Background(), 1, "ws-1", "go-1"); err == nil {
		t.Fatalf("CanEdit() on 500 = nil error, want non-nil")
	}
}
