// internal/outbox/outbox.go
package outbox

import (
	"context"
	"time"

	"fulfillment/internal/event"
)

// Status 投递状态
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusDead    Status = "DEAD" // 重试耗尽，需要人工介入
)

// Message 发件箱中的一行。ID 单调递增，代表创建顺序。
type Message struct {
	ID            int64
	Topic         string
	Envelope      event.Envelope
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	SentAt        *time.Time
}

// Recorder 在调用方的工作单元内登记一个待发送的事件
type Recorder interface {
	Record(ctx context.Context, env event.Envelope) error
}

// Store 是投递循环使用的发件箱存储
type Store interface {
	// FetchPending 按创建顺序返回 ID 大于 afterID 的 PENDING 消息
	FetchPending(ctx context.Context, afterID int64, limit int) ([]Message, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id int64, attempts int, lastErr string) error
	Stats(ctx context.Context) (Stats, error)
	PurgeSent(ctx context.Context, before time.Time) (int64, error)
}

// Publisher 把信封发布到总线，返回 nil 代表 broker 已确认
type Publisher interface {
	Publish(ctx context.Context, topic, key string, env event.Envelope) error
}

// Stats 用于监控积压和死信
type Stats struct {
	Pending         int64
	Dead            int64
	OldestPendingAt *time.Time
}

// Buffer 先暂存事件，事务提交时再写入真正的 Recorder
type Buffer struct {
	envs []event.Envelope
}

func (b *Buffer) Record(_ context.Context, env event.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	b.envs = append(b.envs, env)
	return nil
}

// Envelopes 返回暂存的事件
func (b *Buffer) Envelopes() []event.Envelope {
	return b.envs
}

// FlushTo 按登记顺序写入 r
func (b *Buffer) FlushTo(ctx context.Context, r Recorder) error {
	for _, env := range b.envs {
		if err := r.Record(ctx, env); err != nil {
			return err
		}
	}
	b.envs = nil
	return nil
}
