// internal/outbox/gorm_store.go
package outbox

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"fulfillment/internal/event"
)

// MessageModel 对应数据库中的 outbox_messages 表
type MessageModel struct {
	ID            int64      `gorm:"primaryKey;autoIncrement"`
	EventID       string     `gorm:"size:64;uniqueIndex"`
	EventType     string     `gorm:"size:64"`
	AggregateID   string     `gorm:"size:64;index"`
	Topic         string     `gorm:"size:128"`
	Payload       []byte     `gorm:"type:json"`
	OccurredAt    time.Time  `gorm:"precision:6"`
	Status        Status     `gorm:"size:16;index:idx_outbox_status_id,priority:1"`
	Attempts      int        `gorm:"not null;default:0"`
	NextAttemptAt time.Time  `gorm:"precision:6"`
	LastError     string     `gorm:"type:text"`
	CreatedAt     time.Time  `gorm:"precision:6"`
	SentAt        *time.Time `gorm:"precision:6;index"`
}

// TableName 指定 GORM 应该使用的表名
func (MessageModel) TableName() string {
	return "outbox_messages"
}

func toModel(env event.Envelope, now time.Time) (*MessageModel, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	topic := event.TopicFor(env.EventType)
	if topic == "" {
		return nil, errors.Errorf("outbox: no topic for event type %s", env.EventType)
	}
	return &MessageModel{
		EventID:       env.EventID,
		EventType:     string(env.EventType),
		AggregateID:   env.AggregateID,
		Topic:         topic,
		Payload:       env.Payload,
		OccurredAt:    env.OccurredAt,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

func toMessage(m *MessageModel) Message {
	return Message{
		ID:    m.ID,
		Topic: m.Topic,
		Envelope: event.Envelope{
			EventID:     m.EventID,
			EventType:   event.Type(m.EventType),
			AggregateID: m.AggregateID,
			Payload:     m.Payload,
			OccurredAt:  m.OccurredAt,
		},
		Status:        m.Status,
		Attempts:      m.Attempts,
		NextAttemptAt: m.NextAttemptAt,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt,
		SentAt:        m.SentAt,
	}
}

// GormRecorder 在一个 GORM 事务内登记事件，和业务状态变更一起提交
type GormRecorder struct {
	tx *gorm.DB
}

// NewGormRecorder tx 必须是调用方正在使用的事务句柄
func NewGormRecorder(tx *gorm.DB) *GormRecorder {
	return &GormRecorder{tx: tx}
}

func (r *GormRecorder) Record(ctx context.Context, env event.Envelope) error {
	model, err := toModel(env, time.Now().UTC())
	if err != nil {
		return err
	}
	return errors.Wrap(r.tx.WithContext(ctx).Create(model).Error, "outbox record")
}

// GormStore 是投递循环使用的 GORM 实现
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 创建 outbox_messages 表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&MessageModel{})
}

func (s *GormStore) FetchPending(ctx context.Context, afterID int64, limit int) ([]Message, error) {
	var models []MessageModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND id > ?", StatusPending, afterID).
		Order("id asc").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "outbox fetch pending")
	}
	out := make([]Message, 0, len(models))
	for i := range models {
		out = append(out, toMessage(&models[i]))
	}
	return out, nil
}

func (s *GormStore) MarkSent(ctx context.Context, id int64, at time.Time) error {
	return s.updates(ctx, id, map[string]interface{}{
		"status":  StatusSent,
		"sent_at": at,
	})
}

func (s *GormStore) MarkFailed(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	return s.updates(ctx, id, map[string]interface{}{
		"attempts":        attempts,
		"next_attempt_at": next,
		"last_error":      lastErr,
	})
}

func (s *GormStore) MarkDead(ctx context.Context, id int64, attempts int, lastErr string) error {
	return s.updates(ctx, id, map[string]interface{}{
		"status":     StatusDead,
		"attempts":   attempts,
		"last_error": lastErr,
	})
}

func (s *GormStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx).Model(&MessageModel{})
	if err := db.Where("status = ?", StatusPending).Count(&st.Pending).Error; err != nil {
		return st, errors.Wrap(err, "outbox count pending")
	}
	if err := s.db.WithContext(ctx).Model(&MessageModel{}).Where("status = ?", StatusDead).Count(&st.Dead).Error; err != nil {
		return st, errors.Wrap(err, "outbox count dead")
	}
	if st.Pending > 0 {
		var oldest MessageModel
		err := s.db.WithContext(ctx).Where("status = ?", StatusPending).Order("id asc").First(&oldest).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return st, errors.Wrap(err, "outbox oldest pending")
		}
		if err == nil {
			st.OldestPendingAt = &oldest.CreatedAt
		}
	}
	return st, nil
}

func (s *GormStore) PurgeSent(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND sent_at < ?", StatusSent, before).
		Delete(&MessageModel{})
	return res.RowsAffected, errors.Wrap(res.Error, "outbox purge")
}

func (s *GormStore) updates(ctx context.Context, id int64, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&MessageModel{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "outbox update %d", id)
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("outbox: message %d not found", id)
	}
	return nil
}
