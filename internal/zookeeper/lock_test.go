package zookeeper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
)

// fakeConn 在内存中模拟锁用到的 ZooKeeper 节点操作
type fakeConn struct {
	mu      sync.Mutex
	nodes   map[string]bool
	seq     int
	watches map[string][]chan zk.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{nodes: map[string]bool{}, watches: map[string][]chan zk.Event{}}
}

func (c *fakeConn) Exists(path string) (bool, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[path], &zk.Stat{}, nil
}

func (c *fakeConn) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan zk.Event, 1)
	if c.nodes[path] {
		c.watches[path] = append(c.watches[path], ch)
	}
	return c.nodes[path], &zk.Stat{}, ch, nil
}

func (c *fakeConn) Create(path string, _ []byte, _ int32, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nodes[path] {
		return "", zk.ErrNodeExists
	}
	c.nodes[path] = true
	return path, nil
}

func (c *fakeConn) CreateProtectedEphemeralSequential(prefix string, _ []byte, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	i := strings.LastIndex(prefix, "/")
	// GUID 前缀递减，按字符串排序会得到错误的顺序
	name := fmt.Sprintf("%s/_c_%03d-%s%010d", prefix[:i], 999-c.seq, prefix[i+1:], c.seq)
	c.nodes[name] = true
	return name, nil
}

func (c *fakeConn) Children(path string) ([]string, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for n := range c.nodes {
		if strings.HasPrefix(n, path+"/") && !strings.Contains(n[len(path)+1:], "/") {
			out = append(out, n[len(path)+1:])
		}
	}
	return out, &zk.Stat{}, nil
}

func (c *fakeConn) Delete(path string, _ int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.nodes[path] {
		return zk.ErrNoNode
	}
	delete(c.nodes, path)
	for _, ch := range c.watches[path] {
		ch <- zk.Event{Type: zk.EventNodeDeleted, Path: path}
	}
	delete(c.watches, path)
	return nil
}

func TestSequenceParsesProtectedNodes(t *testing.T) {
	if got := sequence("_c_2f1d-lock-0000000042"); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if got := sequence("garbage"); got != -1 {
		t.Errorf("expected -1, got %d", got)
	}
}

func TestLockerSerializesHolders(t *testing.T) {
	conn := newFakeConn()
	locker := NewLocker(conn, time.Second)

	release, err := locker.Acquire(context.Background(), "order-1")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		r, err := locker.Acquire(context.Background(), "order-1")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired the lock while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}

func TestLockerTimeoutRemovesNode(t *testing.T) {
	conn := newFakeConn()
	holder := NewLocker(conn, time.Second)
	release, _ := holder.Acquire(context.Background(), "order-1")
	defer release()

	waiter := NewLocker(conn, 30*time.Millisecond)
	if _, err := waiter.Acquire(context.Background(), "order-1"); err == nil {
		t.Fatal("expected timeout")
	}

	children, _, _ := conn.Children(lockRoot + "/order-1")
	if len(children) != 1 {
		t.Errorf("expected only the holder's node to remain, got %v", children)
	}
}
