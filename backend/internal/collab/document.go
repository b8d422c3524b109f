package collab

import (
	"time"
)

// recentEditsCap 环形保留的最近编辑条数，够前端活动栏用
const recentEditsCap = 256

// undoEntry 撤销栈元素：一次本地编辑的前后值
type undoEntry struct {
	fieldPath string
	before    string
	after     string
}

// OrderDocument 一条订单在本会话里的投影：当前字段值 + 本地版本计数
// + 撤销/重做栈 + 未决冲突。没有自己的互斥锁——它只被所属 Session
// 串行访问，Session 层面已经加锁。
//
// version 只在本会话的编辑流内有意义，不是全局向量时钟；
// 接收端判断分叉只看 old_value，不看 version。
type OrderDocument struct {
	workspaceID string
	orderID     string
	title       string

	fields  map[string]string
	version uint64
	// 最近一次成功落库的版本（SavedEvent 里回显给 UI）
	committedVersion uint64

	undoStack []undoEntry
	redoStack []undoEntry

	// fieldPath -> 最近一次分叉。同一字段只保留最新的一条
	conflicts map[string]ConflictRecord

	// clientId -> 已处理的最大 clientSeq，去重/防乱序
	lastSeqByClient map[string]uint64

	// 最近应用的编辑（本地+远端），环形覆盖
	recent []OrderEdit
}

func NewOrderDocument(workspaceID, orderID, title string, fields map[string]string, committedVersion uint64) *OrderDocument {
	if fields == nil {
		fields = make(map[string]string)
	}
	return &OrderDocument{
		workspaceID:      workspaceID,
		orderID:          orderID,
		title:            title,
		fields:           fields,
		version:          committedVersion,
		committedVersion: committedVersion,
		conflicts:        make(map[string]ConflictRecord),
		lastSeqByClient:  make(map[string]uint64),
	}
}

func (d *OrderDocument) OrderID() string     { return d.orderID }
func (d *OrderDocument) WorkspaceID() string { return d.workspaceID }
func (d *OrderDocument) Title() string       { return d.title }
func (d *OrderDocument) Version() uint64     { return d.version }

// Field 读某个字段的当前值。从没写过的字段视为空串，
// 这样首次编辑的 old_value 也能和空值正确比对。
func (d *OrderDocument) Field(path string) string { return d.fields[path] }

// Fields 返回字段表的拷贝，调用方随便改
func (d *OrderDocument) Fields() map[string]string {
	out := make(map[string]string, len(d.fields))
	for k, v := range d.fields {
		out[k] = v
	}
	return out
}

// ApplyLocal 本地乐观编辑：记下当前值作为 old_value，立即更新投影，
// 版本 +1，压撤销栈并清空重做栈。返回要广播出去的 OrderEdit。
// 字段有未决冲突时拒绝，其他字段不受影响。
func (d *OrderDocument) ApplyLocal(actorID uint64, actorName, clientID string, clientSeq uint64, fieldPath, newValue string) (OrderEdit, error) {
	if _, pending := d.conflicts[fieldPath]; pending {
		return OrderEdit{}, ErrFieldConflictPending
	}
	old := d.fields[fieldPath]
	d.fields[fieldPath] = newValue
	d.version++
	d.undoStack = append(d.undoStack, undoEntry{fieldPath: fieldPath, before: old, after: newValue})
	// 新编辑之后旧的重做分支全部作废
	d.redoStack = nil

	edit := OrderEdit{
		EditID:      newEditID(),
		WorkspaceID: d.workspaceID,
		OrderID:     d.orderID,
		ActorID:     actorID,
		ActorName:   actorName,
		ClientID:    clientID,
		ClientSeq:   clientSeq,
		FieldPath:   fieldPath,
		OldValue:    old,
		NewValue:    newValue,
		Version:     d.version,
		Timestamp:   time.Now(),
	}
	d.remember(edit)
	return edit, nil
}

// ApplyRemote 处理一条远端编辑。三种结局：
//   - 应用成功：old_value 和本地当前值一致，直接覆盖，版本 +1
//   - 分叉：old_value 对不上，生成/替换该字段的 ConflictRecord，本地值保持不动
//   - 丢弃：同一 clientId 的重复或乱序投递（clientSeq 不增）
//
// 字段已有未决冲突时，匹配的远端编辑说明对方已经收敛到我们这边的值，
// 应用并顺手清掉冲突；不匹配的则替换成最新一次分叉。
func (d *OrderDocument) ApplyRemote(edit OrderEdit) (applied bool, conflict *ConflictRecord, err error) {
	if last, ok := d.lastSeqByClient[edit.ClientID]; ok && edit.ClientSeq <= last {
		return false, nil, ErrDuplicateOrOutOfOrder
	}
	// 走到这里就算"已投递"，重放同一条要被上面拦住
	d.lastSeqByClient[edit.ClientID] = edit.ClientSeq

	cur := d.fields[edit.FieldPath]
	if edit.OldValue == cur {
		d.fields[edit.FieldPath] = edit.NewValue
		d.version++
		delete(d.conflicts, edit.FieldPath)
		d.remember(edit)
		return true, nil, nil
	}

	rec := ConflictRecord{
		OrderID:         d.orderID,
		FieldPath:       edit.FieldPath,
		LocalValue:      cur,
		RemoteValue:     edit.NewValue,
		RemoteActorID:   edit.ActorID,
		RemoteActorName: edit.ActorName,
		Timestamp:       time.Now(),
	}
	d.conflicts[edit.FieldPath] = rec
	return false, &rec, nil
}

// Undo 弹出最近一次本地编辑，把旧值写回投影，并作为一条全新编辑
// 对外广播（old/new 互换），让其他端走同一条应用路径收敛。
// 版本 -1，紧接着 Redo 能精确回到撤销前的值和版本。
func (d *OrderDocument) Undo(actorID uint64, actorName, clientID string, clientSeq uint64) (OrderEdit, error) {
	if len(d.undoStack) == 0 {
		return OrderEdit{}, ErrNothingToUndo
	}
	entry := d.undoStack[len(d.undoStack)-1]
	if _, pending := d.conflicts[entry.fieldPath]; pending {
		return OrderEdit{}, ErrFieldConflictPending
	}
	d.undoStack = d.undoStack[:len(d.undoStack)-1]
	d.redoStack = append(d.redoStack, entry)

	// old_value 用当前观察值而不是 entry.after：中途有远端改动时
	// 让对端的检测器去发现分叉，而不是我们在这里猜
	old := d.fields[entry.fieldPath]
	d.fields[entry.fieldPath] = entry.before
	d.version--

	edit := OrderEdit{
		EditID:      newEditID(),
		WorkspaceID: d.workspaceID,
		OrderID:     d.orderID,
		ActorID:     actorID,
		ActorName:   actorName,
		ClientID:    clientID,
		ClientSeq:   clientSeq,
		FieldPath:   entry.fieldPath,
		OldValue:    old,
		NewValue:    entry.before,
		Version:     d.version,
		Timestamp:   time.Now(),
	}
	d.remember(edit)
	return edit, nil
}

// Redo Undo 的逆操作
func (d *OrderDocument) Redo(actorID uint64, actorName, clientID string, clientSeq uint64) (OrderEdit, error) {
	if len(d.redoStack) == 0 {
		return OrderEdit{}, ErrNothingToRedo
	}
	entry := d.redoStack[len(d.redoStack)-1]
	if _, pending := d.conflicts[entry.fieldPath]; pending {
		return OrderEdit{}, ErrFieldConflictPending
	}
	d.redoStack = d.redoStack[:len(d.redoStack)-1]
	d.undoStack = append(d.undoStack, entry)

	old := d.fields[entry.fieldPath]
	d.fields[entry.fieldPath] = entry.after
	d.version++

	edit := OrderEdit{
		EditID:      newEditID(),
		WorkspaceID: d.workspaceID,
		OrderID:     d.orderID,
		ActorID:     actorID,
		ActorName:   actorName,
		ClientID:    clientID,
		ClientSeq:   clientSeq,
		FieldPath:   entry.fieldPath,
		OldValue:    old,
		NewValue:    entry.after,
		Version:     d.version,
		Timestamp:   time.Now(),
	}
	d.remember(edit)
	return edit, nil
}

// Resolve 人工裁决一个未决冲突：清掉记录，把选中的值当作一次
// 全新的本地编辑提交（和 ApplyLocal 完全同一条管线）。
// chosen 可以是本地值、远端值，也可以是用户手敲的第三个值。
func (d *OrderDocument) Resolve(actorID uint64, actorName, clientID string, clientSeq uint64, fieldPath, chosen string) (OrderEdit, error) {
	if _, pending := d.conflicts[fieldPath]; !pending {
		return OrderEdit{}, ErrNoPendingConflict
	}
	delete(d.conflicts, fieldPath)
	return d.ApplyLocal(actorID, actorName, clientID, clientSeq, fieldPath, chosen)
}

// PendingConflicts 当前所有未决冲突（每字段至多一条）
func (d *OrderDocument) PendingConflicts() []ConflictRecord {
	out := make([]ConflictRecord, 0, len(d.conflicts))
	for _, rec := range d.conflicts {
		out = append(out, rec)
	}
	return out
}

func (d *OrderDocument) ConflictOn(fieldPath string) (ConflictRecord, bool) {
	rec, ok := d.conflicts[fieldPath]
	return rec, ok
}

func (d *OrderDocument) UndoDepth() int { return len(d.undoStack) }
func (d *OrderDocument) RedoDepth() int { return len(d.redoStack) }

func (d *OrderDocument) CommittedVersion() uint64 { return d.committedVersion }

// MarkSaved 落库成功后由控制器回写提交版本
func (d *OrderDocument) MarkSaved(committed uint64) { d.committedVersion = committed }

// RecentEdits 最近应用的编辑，新的在后
func (d *OrderDocument) RecentEdits() []OrderEdit {
	out := make([]OrderEdit, len(d.recent))
	copy(out, d.recent)
	return out
}

func (d *OrderDocument) remember(edit OrderEdit) {
	if len(d.recent) >= recentEditsCap {
		// 环形覆盖：丢最旧的一条
		copy(d.recent, d.recent[1:])
		d.recent[len(d.recent)-1] = edit
		return
	}
	d.recent = append(d.recent, edit)
}
