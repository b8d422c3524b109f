package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/cache"
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/entity"
)

// 编辑权限有两种判法：
//   - 配了鉴权服务地址就问上游（HTTPAuthz）
//   - 没配就退回名册角色：owner/editor 可编辑，viewer 只读（RosterAuthz）
//
// 两个实现都满足 collab.AuthzProvider。

type RosterAuthz struct {
	roster *cache.RosterCache
}

func NewRosterAuthz(roster *cache.RosterCache) *RosterAuthz {
	return &RosterAuthz{roster: roster}
}

func (a *RosterAuthz) CanEdit(ctx context.Context, userID uint64, workspaceID, orderID string) (bool, error) {
	m, err := a.roster.GetMember(ctx, workspaceID, userID)
	if err != nil {
		return false, err
	}
	if m == nil {
		// 不在名册里的人连看的资格都存疑，编辑一律拒绝
		return false, nil
	}
	return m.Role == entity.RoleOwner || m.Role == entity.RoleEditor, nil
}

type HTTPAuthz struct {
	client   *http.Client
	checkURL string
}

type checkReq struct {
	UserID      uint64 `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
	OrderID     string `json:"orderId"`
}

type checkResp struct {
	Allowed bool `json:"allowed"`
}

// baseURL 不要带路径：建议是 http://localhost:3001，这里自己拼 + "/v1/authz/check"
func NewHTTPAuthz(baseURL string) *HTTPAuthz {
	return &HTTPAuthz{
		client:   &http.Client{},
		checkURL: strings.TrimRight(baseURL, "/") + "/v1/authz/check",
	}
}

func (a *HTTPAuthz) CanEdit(ctx context.Context, userID uint64, workspaceID, orderID string) (bool, error) {
	body, err := json.Marshal(checkReq{UserID: userID, WorkspaceID: workspaceID, OrderID: orderID})
	if err != nil {
		return false, err
	}

	rctx, cancel := context.WithTimeout(ctx, 1200*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, a.checkURL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		// 这里包含超时：context deadline exceeded
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out checkResp
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return false, err
		}
		return out.Allowed, nil
	case http.StatusForbidden, http.StatusUnauthorized:
		return false, nil
	default:
		return false, fmt.Errorf("authz upstream non-200: %d", resp.StatusCode)
	}
}
