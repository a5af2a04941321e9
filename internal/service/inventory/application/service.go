// internal/service/inventory/application/service.go
package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/event"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/inventory/domain"
	"fulfillment/internal/service/inventory/port"
)

// ConsumerName 库存服务在去重账本中的消费者名
const ConsumerName = "inventory-service"

// 结果事件中的失败原因
const (
	ReasonOutOfStock           = "OUT_OF_STOCK"
	ReasonUnknownSKU           = "UNKNOWN_SKU"
	ReasonNoReservation        = "NO_RESERVATION"
	ReasonAlreadyReleased      = "ALREADY_RELEASED"
	ReasonAlreadyConfirmed     = "ALREADY_CONFIRMED"
	ReasonReservationReleased  = "RESERVATION_RELEASED"
	ReasonReservationConfirmed = "RESERVATION_CONFIRMED"
	ReasonShipmentCancelled    = "SHIPMENT_CANCELLED"
	ReasonNotShipped           = "NOT_SHIPPED"
)

// stepFunc 在工作单元内执行本地变更，返回要登记的结果事件
type stepFunc func(ctx context.Context, tx port.Tx, env event.Envelope) (event.Type, any, error)

// InventoryService 是 saga 的库存参与方
type InventoryService struct {
	store  port.Store
	guard  *idempotency.Guard
	tracer trace.Tracer
	now    func() time.Time
	steps  map[event.Type]stepFunc
}

func NewInventoryService(store port.Store, guard *idempotency.Guard, tracer trace.Tracer) *InventoryService {
	s := &InventoryService{store: store, guard: guard, tracer: tracer, now: time.Now}
	s.steps = map[event.Type]stepFunc{
		event.ReserveStockRequested: s.reserve,
		event.ShipmentCreated:       s.confirm,
		event.ReleaseStockRequested: s.release,
		event.ShipmentCancelled:     s.restock,
	}
	return s
}

// Topics 库存服务订阅的主题
func Topics() []string {
	return []string{event.TopicInventoryCommands, event.TopicShippingEvents}
}

// Handle 是消费端入口，按事件类型分派
func (s *InventoryService) Handle(ctx context.Context, env event.Envelope) error {
	step, ok := s.steps[env.EventType]
	if !ok {
		logger.Ctx(ctx).Debug().Str("event_type", string(env.EventType)).Msg("inventory ignoring event")
		return nil
	}
	_, err := s.process(ctx, env, step)
	return err
}

// Reserve 处理 ReserveStockRequested
func (s *InventoryService) Reserve(ctx context.Context, env event.Envelope) (idempotency.Result, error) {
	return s.process(ctx, env, s.reserve)
}

// Confirm 处理 ShipmentCreated: 预占转为出库
func (s *InventoryService) Confirm(ctx context.Context, env event.Envelope) (idempotency.Result, error) {
	return s.process(ctx, env, s.confirm)
}

// Release 处理 ReleaseStockRequested
func (s *InventoryService) Release(ctx context.Context, env event.Envelope) (idempotency.Result, error) {
	return s.process(ctx, env, s.release)
}

// RestockCancelled 处理 ShipmentCancelled: 已出库的预占随发运取消回到库存
func (s *InventoryService) RestockCancelled(ctx context.Context, env event.Envelope) (idempotency.Result, error) {
	return s.process(ctx, env, s.restock)
}

func (s *InventoryService) process(ctx context.Context, env event.Envelope, step stepFunc) (idempotency.Result, error) {
	ctx, span := s.tracer.Start(ctx, "inventory."+string(env.EventType), trace.WithAttributes(
		attribute.String("order.id", env.AggregateID),
		attribute.String("event.id", env.EventID),
	))
	defer span.End()
	ctx = logger.With(ctx, map[string]string{"order_id": env.AggregateID, "event_id": env.EventID})

	if res, ok := s.guard.Seen(ctx, env.EventID); ok {
		return res, nil
	}

	var res idempotency.Result
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		res, err = s.guard.Run(ctx, tx.Ledger(), env.EventID, func(ctx context.Context) (string, error) {
			t, payload, err := step(ctx, tx, env)
			if err != nil {
				return "", err
			}
			out, err := event.NewWithID(outcomeID(env, t), t, env.AggregateID, payload, s.now())
			if err != nil {
				return "", err
			}
			if err := tx.Outbox().Record(ctx, out); err != nil {
				return "", errs.Transient("inventory.emit", err)
			}
			return string(t), nil
		})
		return err
	})
	res, err = s.guard.Settle(ctx, env.EventID, res, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inventory step failed")
		return res, err
	}
	if res.Duplicate {
		logger.Ctx(ctx).Debug().Str("outcome", res.Outcome).Msg("duplicate delivery ignored")
	} else {
		logger.Ctx(ctx).Info().Str("outcome", res.Outcome).Msg("inventory step applied")
	}
	span.SetAttributes(attribute.String("outcome", res.Outcome))
	return res, nil
}

func (s *InventoryService) reserve(ctx context.Context, tx port.Tx, env event.Envelope) (event.Type, any, error) {
	var p event.ReserveStockRequestedPayload
	if err := env.Decode(&p); err != nil {
		return "", nil, errs.InvalidInput("inventory.reserve", err)
	}
	repo := tx.Inventory()

	existing, err := repo.FindReservation(ctx, env.AggregateID)
	if err != nil {
		return "", nil, errs.Transient("inventory.reserve", err)
	}
	if existing != nil {
		if existing.Status == domain.ReservationReleased || existing.Status == domain.ReservationRestocked {
			return event.ReservationFailed, event.ReservationFailedPayload{Reason: ReasonReservationReleased}, nil
		}
		return event.ReservationConfirmed, event.ReservationConfirmedPayload{Lines: toStockLines(existing.Lines)}, nil
	}

	lines := make([]domain.Line, 0, len(p.Items))
	for _, it := range p.Items {
		lines = append(lines, domain.Line{SKU: it.SKU, Quantity: it.Quantity})
	}
	merged, err := domain.MergeLines(lines)
	if err != nil {
		return "", nil, errs.InvalidInput("inventory.reserve", err)
	}
	stocks, err := repo.LockStocks(ctx, domain.SKUs(merged))
	if err != nil {
		return "", nil, errs.Transient("inventory.reserve", err)
	}

	reservation, err := domain.Reserve(env.AggregateID, stocks, merged, s.now())
	var lineErr *domain.LineError
	switch {
	case errors.As(err, &lineErr) && errors.Is(err, domain.ErrInsufficientStock):
		logger.Ctx(ctx).Warn().Str("sku", lineErr.SKU).Msg("reservation failed: out of stock")
		return event.ReservationFailed, event.ReservationFailedPayload{Reason: ReasonOutOfStock, SKU: lineErr.SKU}, nil
	case errors.As(err, &lineErr) && errors.Is(err, domain.ErrUnknownSKU):
		logger.Ctx(ctx).Warn().Str("sku", lineErr.SKU).Msg("reservation failed: unknown sku")
		return event.ReservationFailed, event.ReservationFailedPayload{Reason: ReasonUnknownSKU, SKU: lineErr.SKU}, nil
	case err != nil:
		return "", nil, errs.InvalidInput("inventory.reserve", err)
	}

	if err := saveAll(ctx, repo, stocks, reservation); err != nil {
		return "", nil, err
	}
	return event.ReservationConfirmed, event.ReservationConfirmedPayload{Lines: toStockLines(reservation.Lines)}, nil
}

func (s *InventoryService) confirm(ctx context.Context, tx port.Tx, env event.Envelope) (event.Type, any, error) {
	repo := tx.Inventory()
	r, err := repo.FindReservation(ctx, env.AggregateID)
	if err != nil {
		return "", nil, errs.Transient("inventory.confirm", err)
	}
	if r == nil {
		return event.StockCommitted, event.StockCommittedPayload{Reason: ReasonNoReservation}, nil
	}
	switch r.Status {
	case domain.ReservationConfirmed:
		return event.StockCommitted, event.StockCommittedPayload{Reason: ReasonAlreadyConfirmed}, nil
	case domain.ReservationReleased, domain.ReservationRestocked:
		logger.Ctx(ctx).Warn().Msg("confirm after release rejected")
		return event.StockCommitted, event.StockCommittedPayload{Reason: ReasonReservationReleased}, nil
	}

	stocks, err := repo.LockStocks(ctx, domain.SKUs(r.Lines))
	if err != nil {
		return "", nil, errs.Transient("inventory.confirm", err)
	}
	if err := r.Confirm(stocks, s.now()); err != nil {
		return "", nil, errs.E(errs.KindBusiness, "inventory.confirm", err)
	}
	if err := saveAll(ctx, repo, stocks, r); err != nil {
		return "", nil, err
	}
	return event.StockCommitted, event.StockCommittedPayload{Committed: true}, nil
}

func (s *InventoryService) release(ctx context.Context, tx port.Tx, env event.Envelope) (event.Type, any, error) {
	repo := tx.Inventory()
	r, err := repo.FindReservation(ctx, env.AggregateID)
	if err != nil {
		return "", nil, errs.Transient("inventory.release", err)
	}
	if r == nil {
		return event.StockReleased, event.StockReleasedPayload{Reason: ReasonNoReservation}, nil
	}
	switch r.Status {
	case domain.ReservationReleased, domain.ReservationRestocked:
		return event.StockReleased, event.StockReleasedPayload{Reason: ReasonAlreadyReleased}, nil
	case domain.ReservationConfirmed:
		// 出库的货物由随后的 ShipmentCancelled 归还
		logger.Ctx(ctx).Warn().Err(domain.ErrReservationState).Msg("release after confirm rejected")
		return event.StockReleased, event.StockReleasedPayload{Reason: ReasonReservationConfirmed}, nil
	}

	stocks, err := repo.LockStocks(ctx, domain.SKUs(r.Lines))
	if err != nil {
		return "", nil, errs.Transient("inventory.release", err)
	}
	if err := r.Release(stocks, s.now()); err != nil {
		return "", nil, errs.E(errs.KindBusiness, "inventory.release", err)
	}
	if err := saveAll(ctx, repo, stocks, r); err != nil {
		return "", nil, err
	}
	return event.StockReleased, event.StockReleasedPayload{Released: true}, nil
}

// restock 只处理真正取消了的发运；跳过的取消说明从未发运，预占由 Release 归还
func (s *InventoryService) restock(ctx context.Context, tx port.Tx, env event.Envelope) (event.Type, any, error) {
	var p event.ShipmentCancelledPayload
	if err := env.Decode(&p); err != nil {
		return "", nil, errs.InvalidInput("inventory.restock", err)
	}
	repo := tx.Inventory()
	r, err := repo.FindReservation(ctx, env.AggregateID)
	if err != nil {
		return "", nil, errs.Transient("inventory.restock", err)
	}
	if p.Skipped || r == nil || r.Status != domain.ReservationConfirmed {
		return event.StockReleased, event.StockReleasedPayload{Reason: ReasonNotShipped}, nil
	}

	stocks, err := repo.LockStocks(ctx, domain.SKUs(r.Lines))
	if err != nil {
		return "", nil, errs.Transient("inventory.restock", err)
	}
	if err := r.Restock(stocks, s.now()); err != nil {
		return "", nil, errs.E(errs.KindBusiness, "inventory.restock", err)
	}
	if err := saveAll(ctx, repo, stocks, r); err != nil {
		return "", nil, err
	}
	logger.Ctx(ctx).Info().Msg("cancelled shipment returned to stock")
	return event.StockReleased, event.StockReleasedPayload{Released: true, Reason: ReasonShipmentCancelled}, nil
}

// Restock 设置 SKU 的在手库存，不存在时创建
func (s *InventoryService) Restock(ctx context.Context, sku string, onHand int) error {
	if sku == "" || onHand < 0 {
		return errs.InvalidInput("inventory.restock", errors.Wrapf(domain.ErrInvalidQuantity, "sku %q on hand %d", sku, onHand))
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		stocks, err := tx.Inventory().LockStocks(ctx, []string{sku})
		if err != nil {
			return errs.Transient("inventory.restock", err)
		}
		st, ok := stocks[sku]
		if !ok {
			st = &domain.Stock{SKU: sku}
		}
		if onHand < st.Reserved {
			return errs.InvalidInput("inventory.restock",
				errors.Errorf("on hand %d below reserved %d for %s", onHand, st.Reserved, sku))
		}
		st.OnHand = onHand
		st.UpdatedAt = s.now()
		return tx.Inventory().SaveStock(ctx, st)
	})
}

// Stock 查询库存
func (s *InventoryService) Stock(ctx context.Context, sku string) (*domain.Stock, error) {
	var st *domain.Stock
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		st, err = tx.Inventory().FindStock(ctx, sku)
		return err
	})
	return st, err
}

func saveAll(ctx context.Context, repo domain.Repository, stocks map[string]*domain.Stock, r *domain.Reservation) error {
	for _, sku := range domain.SKUs(r.Lines) {
		if err := repo.SaveStock(ctx, stocks[sku]); err != nil {
			return errs.Transient("inventory.save", err)
		}
	}
	if err := repo.SaveReservation(ctx, r); err != nil {
		return errs.Transient("inventory.save", err)
	}
	return nil
}

func toStockLines(lines []domain.Line) []event.StockLine {
	out := make([]event.StockLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, event.StockLine{SKU: l.SKU, Quantity: l.Quantity})
	}
	return out
}

// outcomeID 同一条命令总是得到同一个结果事件 ID
func outcomeID(env event.Envelope, t event.Type) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(env.EventID+"/"+string(t))).String()
}
