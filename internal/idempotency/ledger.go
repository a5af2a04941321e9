// internal/idempotency/ledger.go
package idempotency

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrDuplicate 表示 (consumer, event id) 已经登记过
var ErrDuplicate = errors.New("idempotency: event already processed")

// Record 是消费者对某个事件的处理记录，写入后不再修改
type Record struct {
	Consumer    string
	EventID     string
	Outcome     string
	ProcessedAt time.Time
}

// Ledger 是去重账本。实现必须保证 (Consumer, EventID) 唯一。
type Ledger interface {
	// Find 返回已有记录，不存在时返回 nil, nil
	Find(ctx context.Context, consumer, eventID string) (*Record, error)
	// Insert 登记记录，重复时返回 ErrDuplicate
	Insert(ctx context.Context, rec Record) error
}

// Purger 清理过期记录
type Purger interface {
	Purge(ctx context.Context, consumer string, before time.Time) (int64, error)
}

// Cache 是账本前面的快速路径，只缓存已提交的结果
type Cache interface {
	Get(ctx context.Context, consumer, eventID string) (outcome string, ok bool, err error)
	Put(ctx context.Context, consumer, eventID, outcome string) error
}
