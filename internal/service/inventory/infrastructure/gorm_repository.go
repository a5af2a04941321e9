package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/service/inventory/domain"
	"fulfillment/internal/service/inventory/port"
)

// StockModel 对应数据库中的 stocks 表
type StockModel struct {
	SKU       string `gorm:"primaryKey;size:64"`
	OnHand    int
	Reserved  int
	UpdatedAt time.Time `gorm:"autoUpdateTime:false;precision:6"`
}

func (StockModel) TableName() string {
	return "stocks"
}

// ReservationModel 对应数据库中的 reservations 表
type ReservationModel struct {
	OrderID   string    `gorm:"primaryKey;size:36"`
	Status    string    `gorm:"size:16"`
	CreatedAt time.Time `gorm:"autoCreateTime:false;precision:6"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false;precision:6"`

	Lines []ReservationLineModel `gorm:"foreignKey:OrderID"`
}

func (ReservationModel) TableName() string {
	return "reservations"
}

// ReservationLineModel 对应数据库中的 reservation_lines 表
type ReservationLineModel struct {
	ID       uint   `gorm:"primaryKey"`
	OrderID  string `gorm:"size:36;index"`
	SKU      string `gorm:"size:64"`
	Quantity int
}

func (ReservationLineModel) TableName() string {
	return "reservation_lines"
}

// GormRepository 是库存仓储的 GORM 实现，db 是事务句柄
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// LockStocks SELECT ... FOR UPDATE，按 SKU 排序加锁
func (r *GormRepository) LockStocks(ctx context.Context, skus []string) (map[string]*domain.Stock, error) {
	var models []StockModel
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("sku IN ?", skus).
		Order("sku asc").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "lock stocks")
	}
	out := make(map[string]*domain.Stock, len(models))
	for _, m := range models {
		out[m.SKU] = &domain.Stock{SKU: m.SKU, OnHand: m.OnHand, Reserved: m.Reserved, UpdatedAt: m.UpdatedAt}
	}
	return out, nil
}

func (r *GormRepository) SaveStock(ctx context.Context, s *domain.Stock) error {
	m := StockModel{SKU: s.SKU, OnHand: s.OnHand, Reserved: s.Reserved, UpdatedAt: s.UpdatedAt}
	return errors.Wrapf(r.db.WithContext(ctx).Save(&m).Error, "save stock %s", s.SKU)
}

func (r *GormRepository) FindStock(ctx context.Context, sku string) (*domain.Stock, error) {
	var m StockModel
	err := r.db.WithContext(ctx).Where("sku = ?", sku).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(domain.ErrUnknownSKU, "sku %s", sku)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find stock %s", sku)
	}
	return &domain.Stock{SKU: m.SKU, OnHand: m.OnHand, Reserved: m.Reserved, UpdatedAt: m.UpdatedAt}, nil
}

func (r *GormRepository) FindReservation(ctx context.Context, orderID string) (*domain.Reservation, error) {
	var m ReservationModel
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("sku asc") }).
		Where("order_id = ?", orderID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find reservation %s", orderID)
	}
	res := &domain.Reservation{
		OrderID:   m.OrderID,
		Status:    domain.ReservationStatus(m.Status),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	for _, l := range m.Lines {
		res.Lines = append(res.Lines, domain.Line{SKU: l.SKU, Quantity: l.Quantity})
	}
	return res, nil
}

// SaveReservation 行只在创建时写入，之后只更新状态
func (r *GormRepository) SaveReservation(ctx context.Context, res *domain.Reservation) error {
	db := r.db.WithContext(ctx)
	var count int64
	if err := db.Model(&ReservationModel{}).Where("order_id = ?", res.OrderID).Count(&count).Error; err != nil {
		return errors.Wrap(err, "count reservation")
	}
	if count == 0 {
		m := ReservationModel{
			OrderID:   res.OrderID,
			Status:    string(res.Status),
			CreatedAt: res.CreatedAt,
			UpdatedAt: res.UpdatedAt,
		}
		for _, l := range res.Lines {
			m.Lines = append(m.Lines, ReservationLineModel{OrderID: res.OrderID, SKU: l.SKU, Quantity: l.Quantity})
		}
		return errors.Wrapf(db.Create(&m).Error, "create reservation %s", res.OrderID)
	}
	err := db.Model(&ReservationModel{}).Where("order_id = ?", res.OrderID).
		Updates(map[string]interface{}{"status": string(res.Status), "updated_at": res.UpdatedAt}).Error
	return errors.Wrapf(err, "update reservation %s", res.OrderID)
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

func (t *gormTx) Inventory() domain.Repository { return NewGormRepository(t.tx) }
func (t *gormTx) Outbox() outbox.Recorder      { return outbox.NewGormRecorder(t.tx) }
func (t *gormTx) Ledger() idempotency.Ledger   { return idempotency.NewGormLedger(t.tx) }

func (s *GormStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormTx{tx: tx})
	})
}

// AutoMigrate 创建库存服务使用的所有表
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&StockModel{}, &ReservationModel{}, &ReservationLineModel{}); err != nil {
		return errors.Wrap(err, "migrate inventory tables")
	}
	if err := outbox.AutoMigrate(db); err != nil {
		return errors.Wrap(err, "migrate outbox")
	}
	return errors.Wrap(idempotency.AutoMigrate(db), "migrate processed_events")
}
