// internal/idempotency/gorm_ledger.go
package idempotency

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// mysqlDuplicateEntry 是 MySQL 唯一键冲突的错误码
const mysqlDuplicateEntry = 1062

// RecordModel 对应数据库中的 processed_events 表
type RecordModel struct {
	Consumer    string    `gorm:"primaryKey;size:64"`
	EventID     string    `gorm:"primaryKey;size:64"`
	Outcome     string    `gorm:"size:64"`
	ProcessedAt time.Time `gorm:"precision:6;index"`
}

// TableName 指定 GORM 应该使用的表名
func (RecordModel) TableName() string {
	return "processed_events"
}

// GormLedger 是 Ledger 的 GORM 实现。db 可以是事务句柄。
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// AutoMigrate 创建 processed_events 表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&RecordModel{})
}

func (l *GormLedger) Find(ctx context.Context, consumer, eventID string) (*Record, error) {
	var model RecordModel
	err := l.db.WithContext(ctx).
		Where("consumer = ? AND event_id = ?", consumer, eventID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find processed event")
	}
	return &Record{
		Consumer:    model.Consumer,
		EventID:     model.EventID,
		Outcome:     model.Outcome,
		ProcessedAt: model.ProcessedAt,
	}, nil
}

func (l *GormLedger) Insert(ctx context.Context, rec Record) error {
	err := l.db.WithContext(ctx).Create(&RecordModel{
		Consumer:    rec.Consumer,
		EventID:     rec.EventID,
		Outcome:     rec.Outcome,
		ProcessedAt: rec.ProcessedAt,
	}).Error
	if IsDuplicateKey(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert processed event")
}

func (l *GormLedger) Purge(ctx context.Context, consumer string, before time.Time) (int64, error) {
	res := l.db.WithContext(ctx).
		Where("consumer = ? AND processed_at < ?", consumer, before).
		Delete(&RecordModel{})
	return res.RowsAffected, errors.Wrap(res.Error, "purge processed events")
}

// IsDuplicateKey 判断是否为唯一键冲突
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
