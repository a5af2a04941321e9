// internal/service/order/application/service.go
package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/event"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/port"
)

// OrderApplicationService 是订单的命令入口。
// 它只负责落库和登记事件；后续的状态推进全部由 saga 消费事件完成。
type OrderApplicationService struct {
	store  port.Store
	tracer trace.Tracer
	now    func() time.Time
}

func NewOrderApplicationService(store port.Store, tracer trace.Tracer) *OrderApplicationService {
	return &OrderApplicationService{store: store, tracer: tracer, now: time.Now}
}

// PlaceOrder 创建 PENDING 订单，并在同一事务内登记 OrderCreated
func (s *OrderApplicationService) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderView, error) {
	ctx, span := s.tracer.Start(ctx, "app.PlaceOrder")
	defer span.End()

	items, err := req.lineItems()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	order, err := domain.NewOrder(req.CustomerID, req.Currency, items, s.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid order")
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.String("order.number", order.Number))

	env, err := event.New(event.OrderCreated, order.ID, order.CreatedPayload(), order.CreatedAt)
	if err != nil {
		return nil, err
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		if err := tx.Orders().Save(ctx, order); err != nil {
			return err
		}
		return tx.Outbox().Record(ctx, env)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist order")
		logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).Msg("failed to place order")
		return nil, err
	}

	logger.Ctx(ctx).Info().Str("order_id", order.ID).Str("order_number", order.Number).
		Str("total", order.Total().String()).Msg("order placed")
	return ToOrderView(order), nil
}

// RequestCancellation 登记 CancellationRequested，实际取消和补偿由 saga 完成
func (s *OrderApplicationService) RequestCancellation(ctx context.Context, orderID, reason, requestedBy string) error {
	return s.request(ctx, "app.RequestCancellation", orderID, event.CancellationRequested,
		event.CancellationRequestedPayload{Reason: reason, RequestedBy: requestedBy},
		func(o *domain.Order) bool { return o.Status.IsCancellable() }, domain.StatusCancelled)
}

// RequestReturn 登记 ReturnRequested
func (s *OrderApplicationService) RequestReturn(ctx context.Context, orderID, reason string) error {
	return s.request(ctx, "app.RequestReturn", orderID, event.ReturnRequested,
		event.ReturnRequestedPayload{Reason: reason},
		func(o *domain.Order) bool { return domain.CanTransition(o.Status, domain.StatusReturned) }, domain.StatusReturned)
}

// Complete 在退货期结束后登记 OrderCompleted
func (s *OrderApplicationService) Complete(ctx context.Context, orderID, completedBy string) error {
	return s.request(ctx, "app.Complete", orderID, event.OrderCompleted,
		event.OrderCompletedPayload{CompletedBy: completedBy},
		func(o *domain.Order) bool { return domain.CanTransition(o.Status, domain.StatusCompleted) }, domain.StatusCompleted)
}

// Get 查询订单
func (s *OrderApplicationService) Get(ctx context.Context, orderID string) (*OrderView, error) {
	order, err := s.store.Orders().FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return ToOrderView(order), nil
}

// request 预检订单状态后登记一条外部触发事件。预检只用于尽早拒绝，最终裁决在 saga 内。
func (s *OrderApplicationService) request(ctx context.Context, op, orderID string, t event.Type, payload any,
	allowed func(*domain.Order) bool, target domain.Status) error {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	order, err := s.store.Orders().FindByID(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !allowed(order) {
		err := &domain.InvalidTransitionError{From: order.Status, To: target}
		span.RecordError(err)
		return err
	}

	env, err := event.New(t, order.ID, payload, s.now())
	if err != nil {
		return err
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		return tx.Outbox().Record(ctx, env)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record request")
		return errors.Wrapf(err, "record %s for order %s", t, orderID)
	}
	logger.Ctx(ctx).Info().Str("order_id", orderID).Str("event_type", string(t)).Str("event_id", env.EventID).
		Msg("order request accepted")
	return nil
}
