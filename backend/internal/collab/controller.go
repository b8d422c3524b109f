package collab

import (
	"context"
	"log"
	"time"
)

// 保存编排：editing 里每次被接受的编辑把去抖定时器往后推，
// 定时器到点转入 saving，把投影整体落库后回到 editing。
// 失败走退避重试（有上限），期间锁不释放、本地编辑全部保留——
// 持有者始终留在能把数据救回来的位置上。

const saveAttemptTimeout = 3 * time.Second

// scheduleSaveLocked 标脏并重置去抖窗口。调用方必须已持有 s.mu。
func (s *Session) scheduleSaveLocked() {
	s.saveDirty = true
	// 新的编辑开启新的一轮保存，重试计数从头算
	s.saveTries = 0
	if s.saveTimer == nil {
		s.saveTimer = time.AfterFunc(s.engine.opt.SaveDebounce, s.saveNow)
		return
	}
	s.saveTimer.Reset(s.engine.opt.SaveDebounce)
}

func (s *Session) stopSaveTimerLocked() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
}

// saveNow 去抖定时器到点，后台落一次库。定时器自己的 goroutine 执行。
func (s *Session) saveNow() {
	s.mu.Lock()
	if s.closed || !s.saveDirty || s.doc == nil {
		s.mu.Unlock()
		return
	}
	// 锁已经没了就不写库：权威数据只接受当前持有者的提交
	if s.state != StateEditing && s.state != StateSaving {
		s.mu.Unlock()
		return
	}
	s.state = StateSaving
	orderID := s.doc.OrderID()
	fields := s.doc.Fields()
	// 本轮内容已快照；保存期间再来的编辑会重新标脏、重新排期
	s.saveDirty = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveAttemptTimeout)
	committed, err := s.engine.orders.SaveOrder(ctx, orderID, fields, s.userID)
	cancel()

	if err != nil {
		s.saveFailed(orderID, err)
		return
	}

	s.mu.Lock()
	if s.doc != nil && s.doc.OrderID() == orderID {
		s.doc.MarkSaved(committed)
	}
	s.saveTries = 0
	if s.state == StateSaving {
		s.state = StateEditing
	}
	s.mu.Unlock()

	s.engine.broker.Broadcast(s.workspaceID, SavedEvent{
		Type:             EventSaved,
		OrderID:          orderID,
		CommittedVersion: committed,
		SavedAt:          time.Now(),
	})
}

func (s *Session) saveFailed(orderID string, err error) {
	s.mu.Lock()
	// 内容还没落库，重新标脏
	s.saveDirty = true
	s.saveTries++
	tries := s.saveTries
	log.Printf("save failed (order=%s, user=%d, try=%d): %v", orderID, s.userID, tries, err)
	if s.state == StateSaving {
		s.state = StateEditing
	}
	exhausted := tries > s.engine.opt.SaveMaxRetry
	if !exhausted {
		// 退避，每次退避时间X2
		backoff := s.engine.opt.SaveBaseBackoff * time.Duration(1<<(tries-1))
		if backoff > s.engine.opt.SaveMaxBackoff {
			backoff = s.engine.opt.SaveMaxBackoff
		}
		if s.saveTimer == nil {
			s.saveTimer = time.AfterFunc(backoff, s.saveNow)
		} else {
			s.saveTimer.Reset(backoff)
		}
	}
	s.mu.Unlock()

	if exhausted {
		// 重试耗尽：明着告诉用户，锁和本地改动都留着，
		// 下一次编辑会重新排一轮保存
		s.deliver(BannerEvent{Type: EventBanner, Level: BannerError, Code: ErrSaveFailed.Error(),
			Message: "保存失败，改动暂留在本地，请检查网络后继续编辑触发重试"})
		return
	}
	if tries == 1 {
		s.deliver(BannerEvent{Type: EventBanner, Level: BannerWarn, Code: ErrSaveFailed.Error(),
			Message: "保存遇到问题，正在自动重试"})
	}
}

// flushSave 同步冲洗：交锁/关视图前把欠着的内容一次性写掉。
// 失败不重试，由调用方决定是挡住操作还是放行。
func (s *Session) flushSave(ctx context.Context) error {
	s.mu.Lock()
	if !s.saveDirty || s.doc == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopSaveTimerLocked()
	orderID := s.doc.OrderID()
	fields := s.doc.Fields()
	s.saveDirty = false
	s.mu.Unlock()

	committed, err := s.engine.orders.SaveOrder(ctx, orderID, fields, s.userID)
	if err != nil {
		log.Printf("flush save failed (order=%s, user=%d): %v", orderID, s.userID, err)
		s.mu.Lock()
		s.saveDirty = true
		s.mu.Unlock()
		return ErrSaveFailed
	}

	s.mu.Lock()
	if s.doc != nil && s.doc.OrderID() == orderID {
		s.doc.MarkSaved(committed)
	}
	s.saveTries = 0
	s.mu.Unlock()

	s.engine.broker.Broadcast(s.workspaceID, SavedEvent{
		Type:             EventSaved,
		OrderID:          orderID,
		CommittedVersion: committed,
		SavedAt:          time.Now(),
	})
	return nil
}
