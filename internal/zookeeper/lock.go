// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"

	"fulfillment/internal/pkg/logger"
)

const (
	lockRoot = "/distributed_locks" // 所有分布式锁的根节点
)

// Conn 是锁所需的 ZooKeeper 操作，*zk.Conn 满足该接口
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

// Connect 连接 ZooKeeper 集群
func Connect(ctx context.Context, servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(logger.Ctx(ctx)))
	if err != nil {
		return nil, errors.Wrap(err, "connect zookeeper")
	}
	return conn, nil
}

// DistributedLock 定义了一个分布式锁对象
type DistributedLock struct {
	conn     Conn   // ZooKeeper连接
	path     string // 锁的路径，例如 /distributed_locks/order-123
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建一个新的分布式锁实例，必要时创建父节点
func NewDistributedLock(conn Conn, resourceID string) (*DistributedLock, error) {
	if err := ensureNode(conn, lockRoot); err != nil {
		return nil, err
	}
	lockPath := lockRoot + "/" + resourceID
	if err := ensureNode(conn, lockPath); err != nil {
		return nil, err
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

func ensureNode(conn Conn, path string) error {
	exists, _, err := conn.Exists(path)
	if err != nil {
		return errors.Wrapf(err, "check node %s", path)
	}
	if exists {
		return nil
	}
	_, err = conn.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrapf(err, "create node %s", path)
	}
	return nil
}

// sequence 取出顺序节点名末尾的序号。受保护节点带有 GUID 前缀，不能直接按字符串排序。
func sequence(node string) int64 {
	i := strings.LastIndex(node, "-")
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(node[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Lock 尝试获取锁，如果获取不到则阻塞等待，直到 ctx 结束
func (l *DistributedLock) Lock(ctx context.Context) error {
	// 1. 在锁路径下创建一个临时顺序节点
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return errors.Wrap(err, "failed to create sequential node")
	}
	l.lockNode = nodePath

	if err := l.wait(ctx); err != nil {
		// 放弃排队，删除自己的节点，避免阻塞后来者
		_ = l.Unlock()
		return err
	}
	return nil
}

func (l *DistributedLock) wait(ctx context.Context) error {
	myNodeName := strings.TrimPrefix(l.lockNode, l.path+"/")
	for {
		// 2. 获取锁路径下的所有子节点，按序号排序
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			return errors.Wrap(err, "failed to get children nodes")
		}
		sort.Slice(children, func(i, j int) bool { return sequence(children[i]) < sequence(children[j]) })

		// 3. 判断自己是否是最小的节点
		idx := -1
		for i, child := range children {
			if child == myNodeName {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errors.New("lock node disappeared, session may have expired")
		}
		if idx == 0 {
			return nil
		}

		// 4. 不是最小节点，监听前一个节点
		prevNodePath := l.path + "/" + children[idx-1]
		exists, _, eventChan, err := l.conn.ExistsW(prevNodePath)
		if err != nil {
			return errors.Wrap(err, "failed to watch previous node")
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
			// 前一个节点变化，重新竞争
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for lock")
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return errors.Wrap(err, "failed to delete lock node")
	}
	l.lockNode = ""
	return nil
}

// Locker 以聚合 id 为资源的分布式锁，供多实例部署下串行化同一聚合的处理
type Locker struct {
	conn    Conn
	timeout time.Duration
}

// NewLocker timeout 为单次获取锁的最长等待时间
func NewLocker(conn Conn, timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Locker{conn: conn, timeout: timeout}
}

// Acquire 获取 key 的锁，返回释放函数
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	lock, err := NewDistributedLock(l.conn, key)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := lock.Lock(waitCtx); err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("key", key).Msg("failed to release distributed lock")
		}
	}, nil
}
