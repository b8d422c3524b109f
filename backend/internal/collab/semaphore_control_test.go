package collab

import (
	"context"
	"testing"
	"time"
)

func TestSemaphoreControl_AcquireRelease(t *testing.T) {
	sem := NewSemaphoreControl(2)
	ctx := context.Background()

	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("Acquire(1) error = %v", err)
	}
	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("Acquire(2) error = %v", err)
	}

	// 满了：限时拿不到就失败
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(waitCtx); err == nil {
		t.Fatalf("Acquire(3) = nil, want timeout error")
	}

	// 释放一个之后又能拿了
	if err := sem.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
}

func TestSemaphoreControl_ReleaseWithoutAcquire(t *testing.T) {
	sem := NewSemaphoreControl(1)
	if err := sem.Release(); err == nil {
		t.Fatalf("Release() without acquire = nil, want error")
	}
}

func TestSemaphoreControl_BlockedAcquireWakesOnRelease(t *testing.T) {
	sem := NewSemaphoreControl(1)
	ctx := context.Background()

	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	got := make(chan error, 1)
	go func() {
		c, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		got <- sem.Acquire(c)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := sem.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := <-got; err != nil {
		t.Fatalf("blocked Acquire() = %v, want nil", err)
	}
}
