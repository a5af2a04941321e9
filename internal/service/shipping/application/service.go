// internal/service/shipping/application/service.go
package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/event"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/shipping/domain"
	"fulfillment/internal/service/shipping/port"
)

// ConsumerName 发货服务在去重账本中的消费者名
const ConsumerName = "shipping-service"

const (
	ReasonNoShipment        = "NO_SHIPMENT"
	ReasonAlreadyCancelled  = "ALREADY_CANCELLED"
	ReasonAlreadyDelivered  = "ALREADY_DELIVERED"
	ReasonShipmentCancelled = "SHIPMENT_CANCELLED"
)

var shipmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shipping_operations_total",
	Help: "Shipping operations by type and result.",
}, []string{"operation", "result"})

type stepFunc func(ctx context.Context, tx port.Tx, env event.Envelope) (event.Type, any, error)

// ShippingService 是 saga 的发货参与方，同时接收承运商的签收回调
type ShippingService struct {
	store   port.Store
	carrier domain.Carrier
	guard   *idempotency.Guard
	tracer  trace.Tracer
	now     func() time.Time
	steps   map[event.Type]stepFunc
}

func NewShippingService(store port.Store, carrier domain.Carrier, guard *idempotency.Guard, tracer trace.Tracer) *ShippingService {
	s := &ShippingService{store: store, carrier: carrier, guard: guard, tracer: tracer, now: time.Now}
	s.steps = map[event.Type]stepFunc{
		event.CreateShipmentRequested: s.create,
		event.CancelShipmentRequested: s.cancel,
	}
	return s
}

// Topics 发货服务订阅的主题
func Topics() []string {
	return []string{event.TopicShippingCommands}
}

func (s *ShippingService) Handle(ctx context.Context, env event.Envelope) error {
	step, ok := s.steps[env.EventType]
	if !ok {
		logger.Ctx(ctx).Debug().Str("event_type", string(env.EventType)).Msg("shipping ignoring event")
		return nil
	}
	_, err := s.process(ctx, env, step)
	return err
}

// CreateShipment 处理 CreateShipmentRequested
func (s *ShippingService) CreateShipment(ctx context.Context, env event.Envelope) (idempotency.Result, error) {
	return s.process(ctx, env, s.create)
}

// CancelShipment 处理 CancelShipmentRequested
func (s *ShippingService) CancelShipment(ctx context.Context, env event.Envelope) (idempotency.Result, error) {
	return s.process(ctx, env, s.cancel)
}

func (s *ShippingService) process(ctx context.Context, env event.Envelope, step stepFunc) (idempotency.Result, error) {
	ctx, span := s.tracer.Start(ctx, "shipping."+string(env.EventType), trace.WithAttributes(
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
			if err := s.record(ctx, tx, outcomeID(env.EventID, t), t, env.AggregateID, payload); err != nil {
				return "", err
			}
			return string(t), nil
		})
		return err
	})
	res, err = s.guard.Settle(ctx, env.EventID, res, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "shipping step failed")
		return res, err
	}
	if res.Duplicate {
		logger.Ctx(ctx).Debug().Str("outcome", res.Outcome).Msg("duplicate delivery ignored")
	} else {
		logger.Ctx(ctx).Info().Str("outcome", res.Outcome).Msg("shipping step applied")
	}
	span.SetAttributes(attribute.String("outcome", res.Outcome))
	return res, nil
}

func (s *ShippingService) record(ctx context.Context, tx port.Tx, id string, t event.Type, orderID string, payload any) error {
	out, err := event.NewWithID(id, t, orderID, payload, s.now())
	if err != nil {
		return err
	}
	if err := tx.Outbox().Record(ctx, out); err != nil {
		return errs.Transient("shipping.emit", err)
	}
	return nil
}

func (s *ShippingService) create(ctx context.Context, tx port.Tx, env event.Envelope) (event.Type, any, error) {
	var p event.CreateShipmentRequestedPayload
	if err := env.Decode(&p); err != nil {
		return "", nil, errs.InvalidInput("shipping.create", err)
	}
	repo := tx.Shipments()

	existing, err := repo.FindByOrderID(ctx, env.AggregateID)
	if err != nil {
		return "", nil, errs.Transient("shipping.create", err)
	}
	if existing != nil {
		if existing.Status == domain.StatusCancelled {
			return event.ShipmentCreationFailed, event.ShipmentCreationFailedPayload{Reason: ReasonShipmentCancelled}, nil
		}
		return event.ShipmentCreated, createdPayload(existing, p), nil
	}

	parcel := domain.Parcel{OrderID: env.AggregateID, CustomerID: p.CustomerID}
	for _, it := range p.Items {
		parcel.Items = append(parcel.Items, domain.Item{SKU: it.SKU, Quantity: it.Quantity})
	}
	label, err := s.carrier.Book(ctx, parcel)
	if errors.Is(err, domain.ErrCarrierRejected) {
		shipmentsTotal.WithLabelValues("create", "rejected").Inc()
		logger.Ctx(ctx).Warn().Err(err).Msg("carrier rejected shipment")
		return event.ShipmentCreationFailed, event.ShipmentCreationFailedPayload{Reason: err.Error()}, nil
	}
	if err != nil {
		return "", nil, errs.Transient("shipping.create", errors.Wrap(err, "carrier"))
	}

	shipment := domain.NewShipment(env.AggregateID, uuid.NewString(), label, s.now())
	if err := repo.Save(ctx, shipment); err != nil {
		return "", nil, errs.Transient("shipping.create", err)
	}
	shipmentsTotal.WithLabelValues("create", "created").Inc()
	return event.ShipmentCreated, createdPayload(shipment, p), nil
}

func (s *ShippingService) cancel(ctx context.Context, tx port.Tx, env event.Envelope) (event.Type, any, error) {
	var p event.CancelShipmentRequestedPayload
	if err := env.Decode(&p); err != nil {
		return "", nil, errs.InvalidInput("shipping.cancel", err)
	}
	repo := tx.Shipments()
	shipment, err := repo.FindByOrderID(ctx, env.AggregateID)
	if err != nil {
		return "", nil, errs.Transient("shipping.cancel", err)
	}
	if shipment == nil {
		return event.ShipmentCancelled, event.ShipmentCancelledPayload{Skipped: true, Reason: ReasonNoShipment}, nil
	}
	switch shipment.Status {
	case domain.StatusCancelled:
		return event.ShipmentCancelled, event.ShipmentCancelledPayload{Skipped: true, Reason: ReasonAlreadyCancelled}, nil
	case domain.StatusDelivered:
		logger.Ctx(ctx).Warn().Msg("cancel after delivery rejected")
		return event.ShipmentCancelled, event.ShipmentCancelledPayload{Skipped: true, Reason: ReasonAlreadyDelivered}, nil
	}

	if err := s.carrier.Cancel(ctx, shipment.TrackingNumber); err != nil && !errors.Is(err, domain.ErrCarrierRejected) {
		return "", nil, errs.Transient("shipping.cancel", errors.Wrap(err, "carrier"))
	}
	if err := shipment.Cancel(p.Reason, s.now()); err != nil {
		return "", nil, errs.E(errs.KindBusiness, "shipping.cancel", err)
	}
	if err := repo.Save(ctx, shipment); err != nil {
		return "", nil, errs.Transient("shipping.cancel", err)
	}
	shipmentsTotal.WithLabelValues("cancel", "cancelled").Inc()
	return event.ShipmentCancelled, event.ShipmentCancelledPayload{Reason: p.Reason}, nil
}

// ConfirmDelivery 承运商签收回调: 运单置为 DELIVERED 并向订单发出 DeliveryConfirmed。
// 重复回调不会再次发出事件。
func (s *ShippingService) ConfirmDelivery(ctx context.Context, orderID, trackingNumber string, deliveredAt time.Time) error {
	ctx, span := s.tracer.Start(ctx, "shipping.ConfirmDelivery", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		repo := tx.Shipments()
		shipment, err := repo.FindByOrderID(ctx, orderID)
		if err != nil {
			return errs.Transient("shipping.deliver", err)
		}
		if shipment == nil {
			return errs.E(errs.KindBusiness, "shipping.deliver", errors.Wrapf(domain.ErrShipmentNotFound, "order %s", orderID))
		}
		if trackingNumber != "" && trackingNumber != shipment.TrackingNumber {
			return errs.InvalidInput("shipping.deliver",
				errors.Errorf("tracking number %s does not match order %s", trackingNumber, orderID))
		}
		if deliveredAt.IsZero() {
			deliveredAt = s.now()
		}
		changed, err := shipment.Deliver(deliveredAt, s.now())
		if err != nil {
			return errs.E(errs.KindBusiness, "shipping.deliver", err)
		}
		if !changed {
			return nil
		}
		if err := repo.Save(ctx, shipment); err != nil {
			return errs.Transient("shipping.deliver", err)
		}
		shipmentsTotal.WithLabelValues("deliver", "delivered").Inc()
		return s.record(ctx, tx, outcomeID(orderID, event.DeliveryConfirmed), event.DeliveryConfirmed, orderID,
			event.DeliveryConfirmedPayload{TrackingNumber: shipment.TrackingNumber, DeliveredAt: deliveredAt.UTC()})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm delivery failed")
		return err
	}
	logger.Ctx(ctx).Info().Str("order_id", orderID).Msg("delivery confirmed")
	return nil
}

// Shipment 查询订单的运单，不存在时返回 nil
func (s *ShippingService) Shipment(ctx context.Context, orderID string) (*domain.Shipment, error) {
	var sh *domain.Shipment
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		sh, err = tx.Shipments().FindByOrderID(ctx, orderID)
		return err
	})
	return sh, err
}

func createdPayload(s *domain.Shipment, req event.CreateShipmentRequestedPayload) event.ShipmentCreatedPayload {
	return event.ShipmentCreatedPayload{
		ShipmentID:     s.ShipmentID,
		Carrier:        s.Carrier,
		TrackingNumber: s.TrackingNumber,
		Amount:         req.Amount,
		Currency:       req.Currency,
	}
}

// outcomeID 同一个触发总是得到同一个结果事件 ID
func outcomeID(trigger string, t event.Type) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(trigger+"/"+string(t))).String()
}
