package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/helloemzy/gomflow-demo-sub004/backend/internal/collab"
)

// EditArchive 已应用编辑的审计流水，追加写进 order_edit_log。
// 走原生 SQL：单表纯插入，犯不上过一遍 ORM。
type EditArchive struct{ db *sql.DB }

func NewEditArchive(db *sql.DB) *EditArchive {
	return &EditArchive{db: db}
}

// AppendEdit 落一条流水。editId 是主键，广播层 at-least-once
// 可能带来重放，撞 1062（duplicate key）直接当成功。
func (a *EditArchive) AppendEdit(ctx context.Context, e collab.OrderEdit) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO order_edit_log
		 (edit_id, workspace_id, order_id, actor_id, client_id, client_seq, field_path, old_value, new_value, version, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EditID,
		e.WorkspaceID,
		e.OrderID,
		e.ActorID,
		e.ClientID,
		e.ClientSeq,
		e.FieldPath,
		e.OldValue,
		e.NewValue,
		e.Version,
		e.Timestamp,
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// RecentEdits 某条订单最近的编辑流水，新的在前
func (a *EditArchive) RecentEdits(ctx context.Context, orderID string, limit int) ([]collab.OrderEdit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT edit_id, workspace_id, order_id, actor_id, client_id, client_seq, field_path, old_value, new_value, version, applied_at
		 FROM order_edit_log WHERE order_id = ? ORDER BY applied_at DESC LIMIT ?`,
		orderID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edits []collab.OrderEdit
	for rows.Next() {
		var e collab.OrderEdit
		if err := rows.Scan(
			&e.EditID, &e.WorkspaceID, &e.OrderID, &e.ActorID, &e.ClientID,
			&e.ClientSeq, &e.FieldPath, &e.OldValue, &e.NewValue, &e.Version, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		edits = append(edits, e)
	}
	return edits, rows.Err()
}
