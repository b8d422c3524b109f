package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/cache"
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/collab"
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/entity"
	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/store"
)

// OrderHandler 协作之外的查询面：订单快照、锁状态、在线名单、
// 成员名册、编辑流水。写路径只有建单，字段编辑一律走 WebSocket。
type OrderHandler struct {
	orders   *store.OrderStore
	members  *store.MemberStore
	archive  *store.EditArchive
	presence cache.PresenceCache
	engine   *collab.Engine
}

func NewOrderHandler(orders *store.OrderStore, members *store.MemberStore, archive *store.EditArchive, presence cache.PresenceCache, engine *collab.Engine) *OrderHandler {
	return &OrderHandler{orders: orders, members: members, archive: archive, presence: presence, engine: engine}
}

type createOrderReq struct {
	WorkspaceID string            `json:"workspaceId" binding:"required"`
	Title       string            `json:"title" binding:"required"`
	Fields      map[string]string `json:"fields"`
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	// 从 gin.Context 获取用户信息；gin.Context 对每个请求天然隔离
	v, ok := c.Get("userId")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := v.(uint64)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Fields == nil {
		req.Fields = map[string]string{}
	}
	raw, err := json.Marshal(req.Fields)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order := &entity.GroupOrder{
		ID:          fmt.Sprintf("go-%d", time.Now().UnixNano()),
		WorkspaceID: req.WorkspaceID,
		Title:       req.Title,
		Fields:      string(raw),
		Version:     0,
		UpdatedBy:   userID,
	}
	if err := h.orders.CreateOrder(c.Request.Context(), order); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orderId":     order.ID,
		"workspaceId": order.WorkspaceID,
		"title":       order.Title,
		"createdBy":   userID,
		"createdAt":   time.Now().Format(time.RFC3339),
	})
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	// c.Param() 取路径段，c.Query() 取 ? 后的参数
	orderID := c.Param("orderId")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing orderId"})
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if order == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "ORDER_NOT_FOUND"})
		return
	}

	var fields map[string]string
	if order.Fields != "" {
		if err := json.Unmarshal([]byte(order.Fields), &fields); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	resp := gin.H{
		"orderId":     order.ID,
		"workspaceId": order.WorkspaceID,
		"title":       order.Title,
		"fields":      fields,
		"version":     order.Version,
		"updatedBy":   order.UpdatedBy,
		"updatedAt":   order.UpdatedAt,
	}
	// 锁状态顺带回给列表页，省一次请求
	if l, ok := h.engine.LockState(orderID); ok {
		resp["lock"] = l
	}
	c.JSON(http.StatusOK, resp)
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	if workspaceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing workspaceId"})
		return
	}
	orders, err := h.orders.ListOrders(c.Request.Context(), workspaceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// GetLockState 谁在编辑这条订单
func (h *OrderHandler) GetLockState(c *gin.Context) {
	orderID := c.Param("orderId")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing orderId"})
		return
	}
	l, ok := h.engine.LockState(orderID)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"locked": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": true, "lock": l})
}

// GetPresence 工作区当前在线成员（已剔除过期心跳）
func (h *OrderHandler) GetPresence(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	if workspaceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing workspaceId"})
		return
	}
	entries, err := h.presence.GetAliveEntries(c.Request.Context(), workspaceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": entries})
}

func (h *OrderHandler) ListMembers(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	if workspaceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing workspaceId"})
		return
	}
	members, err := h.members.ListMembers(c.Request.Context(), workspaceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// GetEditLog 订单的编辑流水（审计/活动栏）
func (h *OrderHandler) GetEditLog(c *gin.Context) {
	orderID := c.Param("orderId")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing orderId"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	edits, err := h.archive.RecentEdits(c.Request.Context(), orderID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"edits": edits})
}
