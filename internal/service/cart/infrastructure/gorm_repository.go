package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/service/cart/domain"
	"fulfillment/internal/service/cart/port"
)

// CartModel 对应数据库中的 carts 表
type CartModel struct {
	ID             string    `gorm:"primaryKey;size:36"`
	CustomerID     string    `gorm:"size:64;index"`
	Currency       string    `gorm:"size:3"`
	Status         string    `gorm:"size:16;index:idx_carts_status_activity,priority:1"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false;precision:6"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime:false;precision:6"`
	LastActivityAt time.Time `gorm:"precision:6;index:idx_carts_status_activity,priority:2"`
	Version        int

	Items   []CartItemModel   `gorm:"foreignKey:CartID"`
	Coupons []CartCouponModel `gorm:"foreignKey:CartID"`
}

func (CartModel) TableName() string {
	return "carts"
}

// CartItemModel 对应数据库中的 cart_items 表
type CartItemModel struct {
	ID        uint   `gorm:"primaryKey"`
	CartID    string `gorm:"size:36;index"`
	SKU       string `gorm:"size:64"`
	Quantity  int
	UnitPrice decimal.Decimal `gorm:"type:decimal(12,2)"`
}

func (CartItemModel) TableName() string {
	return "cart_items"
}

// CartCouponModel 对应数据库中的 cart_coupons 表
type CartCouponModel struct {
	ID       uint            `gorm:"primaryKey"`
	CartID   string          `gorm:"size:36;index"`
	Code     string          `gorm:"size:64"`
	Discount decimal.Decimal `gorm:"type:decimal(12,2)"`
}

func (CartCouponModel) TableName() string {
	return "cart_coupons"
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Save 新购物车整体插入；已有购物车按版本号乐观更新，商品和优惠券整体替换
func (r *GormRepository) Save(ctx context.Context, c *domain.Cart) error {
	db := r.db.WithContext(ctx)
	m := fromDomain(c)
	if c.Version == 0 {
		m.Version = 1
		if err := db.Create(m).Error; err != nil {
			if idempotency.IsDuplicateKey(err) {
				return errs.InvalidInput("cart.Save", errors.Errorf("cart %s already exists", c.ID))
			}
			return errs.Transient("cart.Save", err)
		}
		c.Version = 1
		return nil
	}

	res := db.Model(&CartModel{}).
		Where("id = ? AND version = ?", c.ID, c.Version).
		Updates(map[string]interface{}{
			"status":           string(c.Status),
			"updated_at":       c.UpdatedAt,
			"last_activity_at": c.LastActivityAt,
			"version":          c.Version + 1,
		})
	if res.Error != nil {
		return errs.Transient("cart.Save", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.Transient("cart.Save", errors.Errorf("cart %s modified concurrently (version %d)", c.ID, c.Version))
	}
	if err := db.Where("cart_id = ?", c.ID).Delete(&CartItemModel{}).Error; err != nil {
		return errs.Transient("cart.Save", err)
	}
	if err := db.Where("cart_id = ?", c.ID).Delete(&CartCouponModel{}).Error; err != nil {
		return errs.Transient("cart.Save", err)
	}
	if len(m.Items) > 0 {
		if err := db.Create(&m.Items).Error; err != nil {
			return errs.Transient("cart.Save", err)
		}
	}
	if len(m.Coupons) > 0 {
		if err := db.Create(&m.Coupons).Error; err != nil {
			return errs.Transient("cart.Save", err)
		}
	}
	c.Version++
	return nil
}

func (r *GormRepository) FindByID(ctx context.Context, id string) (*domain.Cart, error) {
	var m CartModel
	err := r.preload(r.db.WithContext(ctx)).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(domain.ErrCartNotFound, "cart %s", id)
	}
	if err != nil {
		return nil, errs.Transient("cart.FindByID", err)
	}
	return toDomain(&m), nil
}

func (r *GormRepository) FindInactive(ctx context.Context, cutoff time.Time, after *domain.Cursor, limit int) ([]*domain.Cart, error) {
	var models []CartModel
	q := r.preload(r.db.WithContext(ctx)).
		Where("status = ? AND last_activity_at < ?", string(domain.StatusActive), cutoff)
	if after != nil {
		q = q.Where("(last_activity_at > ? OR (last_activity_at = ? AND id > ?))",
			after.LastActivityAt, after.LastActivityAt, after.ID)
	}
	err := q.Order("last_activity_at asc, id asc").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, errs.Transient("cart.FindInactive", err)
	}
	out := make([]*domain.Cart, 0, len(models))
	for i := range models {
		out = append(out, toDomain(&models[i]))
	}
	return out, nil
}

func (r *GormRepository) preload(db *gorm.DB) *gorm.DB {
	return db.Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("id asc")
	}).Preload("Coupons", func(db *gorm.DB) *gorm.DB {
		return db.Order("id asc")
	})
}

func fromDomain(c *domain.Cart) *CartModel {
	m := &CartModel{
		ID:             c.ID,
		CustomerID:     c.CustomerID,
		Currency:       c.Currency,
		Status:         string(c.Status),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		LastActivityAt: c.LastActivityAt,
		Version:        c.Version,
	}
	for _, it := range c.Items {
		m.Items = append(m.Items, CartItemModel{CartID: c.ID, SKU: it.SKU, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	for _, cp := range c.Coupons {
		m.Coupons = append(m.Coupons, CartCouponModel{CartID: c.ID, Code: cp.Code, Discount: cp.Discount})
	}
	return m
}

func toDomain(m *CartModel) *domain.Cart {
	c := &domain.Cart{
		ID:             m.ID,
		CustomerID:     m.CustomerID,
		Currency:       m.Currency,
		Status:         domain.Status(m.Status),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		LastActivityAt: m.LastActivityAt,
		Version:        m.Version,
	}
	for _, it := range m.Items {
		c.Items = append(c.Items, domain.Item{SKU: it.SKU, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	for _, cp := range m.Coupons {
		c.Coupons = append(c.Coupons, domain.Coupon{Code: cp.Code, Discount: cp.Discount})
	}
	return c
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

func (t *gormTx) Carts() domain.Repository { return NewGormRepository(t.tx) }
func (t *gormTx) Outbox() outbox.Recorder  { return outbox.NewGormRecorder(t.tx) }

func (s *GormStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormTx{tx: tx})
	})
}

// AutoMigrate 创建购物车服务使用的所有表
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&CartModel{}, &CartItemModel{}, &CartCouponModel{}); err != nil {
		return errors.Wrap(err, "migrate cart tables")
	}
	return errors.Wrap(outbox.AutoMigrate(db), "migrate outbox")
}
