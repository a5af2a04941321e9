package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/service/payment/domain"
	"fulfillment/internal/service/payment/port"
)

// PaymentModel 对应数据库中的 payments 表，一个订单一行
type PaymentModel struct {
	OrderID       string          `gorm:"primaryKey;size:36"`
	Amount        decimal.Decimal `gorm:"type:decimal(12,2)"`
	Currency      string          `gorm:"size:3"`
	AuthCode      string          `gorm:"size:32"`
	Status        string          `gorm:"size:16;index"`
	FailureReason string          `gorm:"size:255"`
	CreatedAt     time.Time       `gorm:"autoCreateTime:false;precision:6"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime:false;precision:6"`
}

func (PaymentModel) TableName() string {
	return "payments"
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// FindByOrderID 加行锁读取，同一订单的扣款和退款串行
func (r *GormRepository) FindByOrderID(ctx context.Context, orderID string) (*domain.Attempt, error) {
	var m PaymentModel
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find payment %s", orderID)
	}
	return &domain.Attempt{
		OrderID:       m.OrderID,
		Amount:        m.Amount,
		Currency:      m.Currency,
		AuthCode:      m.AuthCode,
		Status:        domain.Status(m.Status),
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

func (r *GormRepository) Save(ctx context.Context, a *domain.Attempt) error {
	m := PaymentModel{
		OrderID:       a.OrderID,
		Amount:        a.Amount,
		Currency:      a.Currency,
		AuthCode:      a.AuthCode,
		Status:        string(a.Status),
		FailureReason: a.FailureReason,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "failure_reason", "updated_at"}),
	}).Create(&m).Error
	return errors.Wrapf(err, "save payment %s", a.OrderID)
}

// GormStore 是 port.Store 的 GORM 实现
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

type gormTx struct {
	tx *gorm.DB
}

func (t *gormTx) Payments() domain.Repository { return NewGormRepository(t.tx) }
func (t *gormTx) Outbox() outbox.Recorder     { return outbox.NewGormRecorder(t.tx) }
func (t *gormTx) Ledger() idempotency.Ledger  { return idempotency.NewGormLedger(t.tx) }

func (s *GormStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormTx{tx: tx})
	})
}

// AutoMigrate 创建支付服务使用的所有表
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&PaymentModel{}); err != nil {
		return errors.Wrap(err, "migrate payments")
	}
	if err := outbox.AutoMigrate(db); err != nil {
		return errors.Wrap(err, "migrate outbox")
	}
	return errors.Wrap(idempotency.AutoMigrate(db), "migrate processed_events")
}
