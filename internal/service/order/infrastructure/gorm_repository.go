package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/port"
)

// GormOrderRepository 是 OrderRepository 的 GORM 实现。db 可以是事务句柄。
type GormOrderRepository struct {
	db *gorm.DB
}

// NewGormOrderRepository 创建一个新的 GORM 仓储实例
func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

// Save 新订单整体插入；已有订单按版本号乐观更新，并追加新的状态历史
func (r *GormOrderRepository) Save(ctx context.Context, order *domain.Order) error {
	db := r.db.WithContext(ctx)
	if order.Version == 0 {
		model := FromDomainOrder(order)
		model.Version = 1
		if err := db.Create(model).Error; err != nil {
			if idempotency.IsDuplicateKey(err) {
				return errors.Wrapf(domain.ErrInvalidOrder, "order %s already exists", order.ID)
			}
			return errs.Transient("order.Save", err)
		}
		order.Version = 1
		return nil
	}

	res := db.Model(&OrderModel{}).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Updates(map[string]interface{}{
			"status":          string(order.Status),
			"cancel_reason":   order.CancelReason,
			"shipment_id":     order.ShipmentID,
			"tracking_number": order.TrackingNumber,
			"updated_at":      order.UpdatedAt,
			"version":         order.Version + 1,
		})
	if res.Error != nil {
		return errs.Transient("order.Save", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.Transient("order.Save", errors.Errorf("order %s modified concurrently (version %d)", order.ID, order.Version))
	}

	if order.Status == domain.StatusPending {
		if err := db.Where("order_id = ?", order.ID).Delete(&OrderItemModel{}).Error; err != nil {
			return errs.Transient("order.Save", err)
		}
		if items := fromDomainItems(order); len(items) > 0 {
			if err := db.Create(&items).Error; err != nil {
				return errs.Transient("order.Save", err)
			}
		}
	}

	var maxSeq int
	if err := db.Model(&StatusHistoryModel{}).Where("order_id = ?", order.ID).
		Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
		return errs.Transient("order.Save", err)
	}
	var fresh []domain.StatusChange
	for _, h := range order.History {
		if h.Seq > maxSeq {
			fresh = append(fresh, h)
		}
	}
	if len(fresh) > 0 {
		history := fromDomainHistory(order.ID, fresh)
		if err := db.Create(&history).Error; err != nil {
			return errs.Transient("order.Save", err)
		}
	}

	order.Version++
	return nil
}

// FindByID 查找订单，预加载订单行和状态历史
func (r *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	err := r.preload(r.db.WithContext(ctx)).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, errs.Transient("order.FindByID", err)
	}
	return ToDomainOrder(&model), nil
}

// FindStuck 按 UpdatedAt 升序返回停滞的订单
func (r *GormOrderRepository) FindStuck(ctx context.Context, statuses []domain.Status, before time.Time, limit int) ([]*domain.Order, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	var models []OrderModel
	err := r.preload(r.db.WithContext(ctx)).
		Where("status IN ? AND updated_at < ?", names, before).
		Order("updated_at asc").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, errs.Transient("order.FindStuck", err)
	}
	out := make([]*domain.Order, 0, len(models))
	for i := range models {
		out = append(out, ToDomainOrder(&models[i]))
	}
	return out, nil
}

func (r *GormOrderRepository) preload(db *gorm.DB) *gorm.DB {
	return db.Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("id asc")
	}).Preload("History", func(db *gorm.DB) *gorm.DB {
		return db.Order("seq asc")
	})
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

func (t *gormTx) Orders() domain.OrderRepository { return NewGormOrderRepository(t.tx) }
func (t *gormTx) Outbox() outbox.Recorder         { return outbox.NewGormRecorder(t.tx) }
func (t *gormTx) Ledger() idempotency.Ledger      { return idempotency.NewGormLedger(t.tx) }

func (s *GormStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormTx{tx: tx})
	})
}

func (s *GormStore) Orders() domain.OrderRepository {
	return NewGormOrderRepository(s.db)
}

// AutoMigrate 创建订单服务使用的所有表
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&OrderModel{}, &OrderItemModel{}, &StatusHistoryModel{}); err != nil {
		return errors.Wrap(err, "migrate order tables")
	}
	if err := outbox.AutoMigrate(db); err != nil {
		return errors.Wrap(err, "migrate outbox")
	}
	return errors.Wrap(idempotency.AutoMigrate(db), "migrate processed_events")
}
