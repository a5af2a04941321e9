package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSameKeyIsSerialized(t *testing.T) {
	l := New()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "order-1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most 1 holder, got %d", maxInside)
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	l := New()
	release, _ := l.Acquire(context.Background(), "order-1")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	other, err := l.Acquire(ctx, "order-2")
	if err != nil {
		t.Fatalf("expected independent key to be acquired, got %v", err)
	}
	other()
}

func TestAcquireHonoursContext(t *testing.T) {
	l := New()
	release, _ := l.Acquire(context.Background(), "order-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "order-1"); err == nil {
		t.Fatal("expected timeout while key is held")
	}

	release()
	release() // 重复释放无副作用

	// 放弃等待的调用方不会把锁留在手里
	again, err := l.Acquire(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("expected key to be free again, got %v", err)
	}
	again()
}

func TestAcquireWithCancelledContext(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Acquire(ctx, "order-1"); err == nil {
		t.Error("expected error for a cancelled context")
	}
}
