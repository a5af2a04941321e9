package port

import "context"

// Locker 按聚合 id 串行化处理。实现: zookeeper.Locker (多实例) 和 keylock.Locker (单进程)。
type Locker interface {
	// Acquire 获取锁并返回释放函数。
	Acquire(ctx context.Context, key string) (release func(), err error)
}
