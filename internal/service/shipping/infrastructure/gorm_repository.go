package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/service/shipping/domain"
	"fulfillment/internal/service/shipping/port"
)

// ShipmentModel 对应数据库中的 shipments 表
type ShipmentModel struct {
	OrderID        string     `gorm:"primaryKey;size:36"`
	ShipmentID     string     `gorm:"size:36;uniqueIndex"`
	Carrier        string     `gorm:"size:32"`
	TrackingNumber string     `gorm:"size:64;index"`
	Status         string     `gorm:"size:16"`
	CancelReason   string     `gorm:"size:255"`
	CreatedAt      time.Time  `gorm:"autoCreateTime:false;precision:6"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime:false;precision:6"`
	DeliveredAt    *time.Time `gorm:"precision:6"`
}

func (ShipmentModel) TableName() string {
	return "shipments"
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) FindByOrderID(ctx context.Context, orderID string) (*domain.Shipment, error) {
	var m ShipmentModel
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find shipment %s", orderID)
	}
	return &domain.Shipment{
		OrderID:        m.OrderID,
		ShipmentID:     m.ShipmentID,
		Carrier:        m.Carrier,
		TrackingNumber: m.TrackingNumber,
		Status:         domain.Status(m.Status),
		CancelReason:   m.CancelReason,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		DeliveredAt:    m.DeliveredAt,
	}, nil
}

func (r *GormRepository) Save(ctx context.Context, s *domain.Shipment) error {
	m := ShipmentModel{
		OrderID:        s.OrderID,
		ShipmentID:     s.ShipmentID,
		Carrier:        s.Carrier,
		TrackingNumber: s.TrackingNumber,
		Status:         string(s.Status),
		CancelReason:   s.CancelReason,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		DeliveredAt:    s.DeliveredAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "cancel_reason", "updated_at", "delivered_at"}),
	}).Create(&m).Error
	return errors.Wrapf(err, "save shipment %s", s.OrderID)
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

func (t *gormTx) Shipments() domain.Repository { return NewGormRepository(t.tx) }
func (t *gormTx) Outbox() outbox.Recorder      { return outbox.NewGormRecorder(t.tx) }
func (t *gormTx) Ledger() idempotency.Ledger   { return idempotency.NewGormLedger(t.tx) }

func (s *GormStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormTx{tx: tx})
	})
}

// AutoMigrate 创建发货服务使用的所有表
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ShipmentModel{}); err != nil {
		return errors.Wrap(err, "migrate shipments")
	}
	if err := outbox.AutoMigrate(db); err != nil {
		return errors.Wrap(err, "migrate outbox")
	}
	return errors.Wrap(idempotency.AutoMigrate(db), "migrate processed_events")
}
