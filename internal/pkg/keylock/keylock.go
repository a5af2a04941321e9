package keylock

import (
	"context"
	"sync"

	"github.com/moby/locker"
)

// Locker 是进程内按 key 的互斥锁，不同 key 互不阻塞。空闲 key 由 moby/locker 回收。
type Locker struct {
	locks *locker.Locker
}

func New() *Locker {
	return &Locker{locks: locker.New()}
}

// Acquire 获取 key 对应的锁，ctx 结束时放弃等待
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acquired := make(chan struct{})
	go func() {
		l.locks.Lock(key)
		close(acquired)
	}()

	select {
	case <-acquired:
		var once sync.Once
		return func() {
			once.Do(func() { _ = l.locks.Unlock(key) })
		}, nil
	case <-ctx.Done():
		// 放弃的等待者拿到锁后立即归还
		go func() {
			<-acquired
			_ = l.locks.Unlock(key)
		}()
		return nil, ctx.Err()
	}
}
