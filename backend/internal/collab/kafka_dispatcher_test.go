package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

// fakeProducer 只实现用到的两个方法，其余靠内嵌接口占位
type fakeProducer struct {
	sarama.SyncProducer
	mu       sync.Mutex
	attempts int
	failN    int // 前 N 次 SendMessage 返回错误
	sent     []*sarama.ProducerMessage
	block    chan struct{} // 非 nil 时 SendMessage 阻塞等它关闭
}

func (p *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.attempts <= p.failN {
		return 0, 0, errors.New("kafka: broker not available")
	}
	p.sent = append(p.sent, msg)
	return 0, int64(len(p.sent)), nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) tries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *fakeProducer) delivered() []*sarama.ProducerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*sarama.ProducerMessage, len(p.sent))
	copy(out, p.sent)
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func testEditEvent(editID string) OrderEditEvent {
	return OrderEditEvent{
		EventType:   "EDIT_APPLIED",
		WorkspaceID: "ws-1",
		OrderID:     "go-1",
		EditID:      editID,
		ActorID:     1,
		ClientID:    "cA",
		ClientSeq:   1,
		FieldPath:   "quantity",
		OldValue:    "2",
		NewValue:    "3",
		Version:     4,
		AppliedAt:   time.Now(),
	}
}

func TestKafkaDispatcher_SendsKeyedByOrder(t *testing.T) {
	p := &fakeProducer{}
	d := NewKafkaDispatcher(p, "order-edits", nil, KafkaDispatcherOptions{Workers: 1})

	if err := d.Enqueue(context.Background(), testEditEvent("e-1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(p.delivered()) == 1 })

	msg := p.delivered()[0]
	if msg.Topic != "order-edits" {
		t.Fatalf("topic = %q, want %q", msg.Topic, "order-edits")
	}
	// key = orderId，同一订单的事件在 Kafka 里保序
	key, err := msg.Key.Encode()
	if err != nil {
		t.Fatalf("Key.Encode() error = %v", err)
	}
	if string(key) != "go-1" {
		t.Fatalf("key = %q, want %q", key, "go-1")
	}

	raw, err := msg.Value.Encode()
	if err != nil {
		t.Fatalf("Value.Encode() error = %v", err)
	}
	var evt OrderEditEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		t.Fatalf("Unmarshal value: %v", err)
	}
	if evt.EventType != "EDIT_APPLIED" || evt.EditID != "e-1" || evt.NewValue != "3" {
		t.Fatalf("payload = %+v, want EDIT_APPLIED e-1 newValue=3", evt)
	}
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	p := &fakeProducer{failN: 2}
	d := NewKafkaDispatcher(p, "order-edits", nil, KafkaDispatcherOptions{
		Workers:     1,
		MaxRetry:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
	})

	if err := d.Enqueue(context.Background(), testEditEvent("e-retry")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(p.delivered()) == 1 })
	if got := p.tries(); got != 3 {
		t.Fatalf("attempts = %d, want 3 (失败2次+成功1次)", got)
	}
}

func TestKafkaDispatcher_DropsAfterMaxRetry(t *testing.T) {
	p := &fakeProducer{failN: 1 << 30} // 永远失败
	d := NewKafkaDispatcher(p, "order-edits", nil, KafkaDispatcherOptions{
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})

	if err := d.Enqueue(context.Background(), testEditEvent("e-doomed")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	// 1 次原始发送 + 2 次重试，然后放弃
	waitUntil(t, 2*time.Second, func() bool { return p.tries() == 3 })
	time.Sleep(30 * time.Millisecond)
	if got := p.tries(); got != 3 {
		t.Fatalf("attempts = %d, want 3 (放弃后不再发)", got)
	}
	if n := len(p.delivered()); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}

	// 丢掉坏事件之后队列继续工作
	p.mu.Lock()
	p.failN = 0
	p.attempts = 0
	p.mu.Unlock()
	if err := d.Enqueue(context.Background(), testEditEvent("e-next")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(p.delivered()) == 1 })
	if got := p.delivered()[0]; got.Topic != "order-edits" {
		t.Fatalf("topic = %q, want order-edits", got.Topic)
	}
}

func TestKafkaDispatcher_EnqueueTimesOutWhenFull(t *testing.T) {
	block := make(chan struct{})
	p := &fakeProducer{block: block}
	d := NewKafkaDispatcher(p, "order-edits", nil, KafkaDispatcherOptions{QueueSize: 1, Workers: 1})
	defer close(block)

	// 第一条被 worker 取走后卡在 SendMessage，第二条填满队列
	if err := d.Enqueue(context.Background(), testEditEvent("e-1")); err != nil {
		t.Fatalf("Enqueue(1) error = %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		select {
		case d.queue <- testEditEvent("e-2"):
			return true
		default:
			return false
		}
	})

	// 队列已满：入队等到 ctx 超时就放弃，不阻塞编辑主链路
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, testEditEvent("e-3")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue(full) error = %v, want context.DeadlineExceeded", err)
	}
}
