package collab

import "errors"

// 错误码直接用 SCREAMING_SNAKE 字符串，前端按 err.Error() 匹配展示横幅
var (
	// 锁被别人持有（Acquire 返回时附带当前持有者信息）
	ErrLockHeld = errors.New("LOCK_HELD")
	// 自以为持锁，实际租约已过期且被他人抢走
	ErrLockExpiredRace = errors.New("LOCK_EXPIRED_RACE")
	// 非持锁者尝试提交编辑/释放锁
	ErrNotLockHolder = errors.New("NOT_LOCK_HOLDER")
	// 字段有未决冲突，禁止继续编辑该字段（其他字段不受影响）
	ErrFieldConflictPending = errors.New("FIELD_CONFLICT_PENDING")
	// 该字段当前没有未决冲突，无法执行 resolve
	ErrNoPendingConflict = errors.New("NO_PENDING_CONFLICT")
	// 持久化落库失败（重试耗尽后向 UI 报告）
	ErrSaveFailed = errors.New("SAVE_FAILED")
	// 会话已关闭/断开
	ErrChannelDisconnected = errors.New("CHANNEL_DISCONNECTED")
	// 同一 clientId 的重复或乱序投递，接收端直接丢弃
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	// 会话还没有打开任何订单
	ErrDocumentNotOpen = errors.New("DOCUMENT_NOT_OPEN")
	// 订单不存在
	ErrOrderNotFound = errors.New("ORDER_NOT_FOUND")
	// 鉴权不通过（角色不足或上游拒绝）
	ErrUnauthorizedEdit = errors.New("UNAUTHORIZED_EDIT")
	// 撤销/重做栈为空
	ErrNothingToUndo = errors.New("NOTHING_TO_UNDO")
	ErrNothingToRedo = errors.New("NOTHING_TO_REDO")
)
