// internal/service/payment/application/service.go
package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/event"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/payment/domain"
	"fulfillment/internal/service/payment/port"
)

// ConsumerName 支付服务在去重账本中的消费者名
const ConsumerName = "payment-service"

// 结果中的原因
const (
	ReasonNoPayment        = "NO_PAYMENT"
	ReasonPaymentFailed    = "PAYMENT_FAILED"
	ReasonAlreadyRefunded  = "ALREADY_REFUNDED"
	ReasonPaymentCancelled = "PAYMENT_CANCELLED"

	// OutcomeCaptureSkipped 发货后没有可扣款的授权，不产生结果事件
	OutcomeCaptureSkipped = "CAPTURE_SKIPPED"
)

var paymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payment_operations_total",
	Help: "Payment operations by type and resulting status.",
}, []string{"operation", "status"})

// stepFunc 在工作单元内执行支付变更，通过 emit 登记结果事件，返回结果名
type stepFunc func(ctx context.Context, tx port.Tx, env event.Envelope) (string, error)

// PaymentService 是 saga 的支付参与方
type PaymentService struct {
	store   port.Store
	gateway domain.Gateway
	guard   *idempotency.Guard
	tracer  trace.Tracer
	now     func() time.Time
	steps   map[event.Type]stepFunc
}

func NewPaymentService(store port.Store, gateway domain.Gateway, guard *idempotency.Guard, tracer trace.Tracer) *PaymentService {
	s := &PaymentService{store: store, gateway: gateway, guard: guard, tracer: tracer, now: time.Now}
	s.steps = map[event.Type]stepFunc{
		event.AuthorizePaymentRequested: s.authorize,
		event.ShipmentCreated:           s.capture,
		event.RefundPaymentRequested:    s.refund,
	}
	return s
}

// Topics 支付服务订阅的主题
func Topics() []string {
	return []string{event.TopicPaymentCommands, event.TopicShippingEvents}
}

func (s *PaymentService) Handle(ctx context.Context, env event.Envelope) error {
	step, ok := s.steps[env.EventType]
	if !ok {
		logger.Ctx(ctx).Debug().Str("event_type", string(env.EventType)).Msg("payment ignoring event")
		return nil
	}
	_, err := s.process(ctx, env, step)
	return err
}

// Authorize 处理 AuthorizePaymentRequested
func (s *PaymentService) Authorize(ctx context.Context, env event.Envelope) (idempotency.Result, error) {
	return s.process(ctx, env, s.authorize)
}

// Capture 处理 ShipmentCreated
func (s *PaymentService) Capture(ctx context.Context, env event.Envelope) (idempotency.Result, error) {
	return s.process(ctx, env, s.capture)
}

// Refund 处理 RefundPaymentRequested，未扣款的授权直接撤销
func (s *PaymentService) Refund(ctx context.Context, env event.Envelope) (idempotency.Result, error) {
	return s.process(ctx, env, s.refund)
}

// Payment 查询订单的支付记录，不存在时返回 nil
func (s *PaymentService) Payment(ctx context.Context, orderID string) (*domain.Attempt, error) {
	var a *domain.Attempt
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		a, err = tx.Payments().FindByOrderID(ctx, orderID)
		return err
	})
	return a, err
}

func (s *PaymentService) process(ctx context.Context, env event.Envelope, step stepFunc) (idempotency.Result, error) {
	ctx, span := s.tracer.Start(ctx, "payment."+string(env.EventType), trace.WithAttributes(
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
			return step(ctx, tx, env)
		})
		return err
	})
	res, err = s.guard.Settle(ctx, env.EventID, res, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment step failed")
		return res, err
	}
	if res.Duplicate {
		logger.Ctx(ctx).Debug().Str("outcome", res.Outcome).Msg("duplicate delivery ignored")
	} else {
		logger.Ctx(ctx).Info().Str("outcome", res.Outcome).Msg("payment step applied")
	}
	span.SetAttributes(attribute.String("outcome", res.Outcome))
	return res, nil
}

func (s *PaymentService) emit(ctx context.Context, tx port.Tx, env event.Envelope, t event.Type, payload any) (string, error) {
	out, err := event.NewWithID(outcomeID(env, t), t, env.AggregateID, payload, s.now())
	if err != nil {
		return "", err
	}
	if err := tx.Outbox().Record(ctx, out); err != nil {
		return "", errs.Transient("payment.emit", err)
	}
	return string(t), nil
}

func (s *PaymentService) authorize(ctx context.Context, tx port.Tx, env event.Envelope) (string, error) {
	var p event.AuthorizePaymentRequestedPayload
	if err := env.Decode(&p); err != nil {
		return "", errs.InvalidInput("payment.authorize", err)
	}
	if !p.Amount.IsPositive() || p.Currency == "" {
		return "", errs.InvalidInput("payment.authorize",
			errors.Errorf("invalid amount %s %q", p.Amount, p.Currency))
	}
	repo := tx.Payments()

	existing, err := repo.FindByOrderID(ctx, env.AggregateID)
	if err != nil {
		return "", errs.Transient("payment.authorize", err)
	}
	if existing != nil {
		return s.emitRecorded(ctx, tx, env, existing)
	}

	auth, err := s.gateway.Authorize(ctx, domain.AuthorizationRequest{
		OrderID:  env.AggregateID,
		Amount:   p.Amount,
		Currency: p.Currency,
	})
	if err != nil {
		return "", errs.Transient("payment.authorize", errors.Wrap(err, "gateway"))
	}
	a := domain.NewAttempt(env.AggregateID, p.Amount, p.Currency, auth, s.now())
	if err := repo.Save(ctx, a); err != nil {
		return "", errs.Transient("payment.authorize", err)
	}
	paymentsTotal.WithLabelValues("authorize", string(a.Status)).Inc()
	if a.Status == domain.StatusFailed {
		logger.Ctx(ctx).Warn().Str("reason", a.FailureReason).Msg("payment declined")
	}
	return s.emitRecorded(ctx, tx, env, a)
}

// emitRecorded 按已记录的支付状态产出授权结果，重复的授权命令得到相同的结论
func (s *PaymentService) emitRecorded(ctx context.Context, tx port.Tx, env event.Envelope, a *domain.Attempt) (string, error) {
	switch a.Status {
	case domain.StatusAuthorized, domain.StatusCaptured:
		return s.emit(ctx, tx, env, event.PaymentAuthorized, event.PaymentAuthorizedPayload{
			Amount:   a.Amount,
			Currency: a.Currency,
			AuthCode: a.AuthCode,
		})
	case domain.StatusFailed:
		return s.emit(ctx, tx, env, event.PaymentFailed, event.PaymentFailedPayload{Reason: a.FailureReason})
	default:
		return s.emit(ctx, tx, env, event.PaymentFailed, event.PaymentFailedPayload{Reason: ReasonPaymentCancelled})
	}
}

// capture 按 ShipmentCreated 携带的订单金额扣款，与授权金额不一致时拒绝
func (s *PaymentService) capture(ctx context.Context, tx port.Tx, env event.Envelope) (string, error) {
	var p event.ShipmentCreatedPayload
	if err := env.Decode(&p); err != nil {
		return "", errs.InvalidInput("payment.capture", err)
	}
	repo := tx.Payments()
	a, err := repo.FindByOrderID(ctx, env.AggregateID)
	if err != nil {
		return "", errs.Transient("payment.capture", err)
	}
	if a == nil || a.Status != domain.StatusAuthorized {
		logger.Ctx(ctx).Warn().Msg("shipment created without a capturable authorization")
		return OutcomeCaptureSkipped, nil
	}
	if !p.Amount.IsPositive() {
		return "", errs.InvalidInput("payment.capture", errors.Errorf("shipment of order %s carries no amount", env.AggregateID))
	}
	if p.Currency != "" && p.Currency != a.Currency {
		return "", errs.E(errs.KindBusiness, "payment.capture",
			errors.Wrapf(domain.ErrAmountMismatch, "authorized in %s, capture in %s", a.Currency, p.Currency))
	}
	if err := a.Capture(p.Amount, s.now()); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("capture rejected")
		return "", errs.E(errs.KindBusiness, "payment.capture", err)
	}
	if err := repo.Save(ctx, a); err != nil {
		return "", errs.Transient("payment.capture", err)
	}
	paymentsTotal.WithLabelValues("capture", string(a.Status)).Inc()
	return s.emit(ctx, tx, env, event.PaymentCaptured, event.PaymentCapturedPayload{Amount: a.Amount})
}

func (s *PaymentService) refund(ctx context.Context, tx port.Tx, env event.Envelope) (string, error) {
	var p event.RefundPaymentRequestedPayload
	if err := env.Decode(&p); err != nil {
		return "", errs.InvalidInput("payment.refund", err)
	}
	repo := tx.Payments()
	a, err := repo.FindByOrderID(ctx, env.AggregateID)
	if err != nil {
		return "", errs.Transient("payment.refund", err)
	}

	skipped := func(reason string, amount decimal.Decimal) (string, error) {
		return s.emit(ctx, tx, env, event.RefundCompleted, event.RefundCompletedPayload{
			Amount:  amount,
			Skipped: true,
			Reason:  reason,
		})
	}
	switch {
	case a == nil:
		return skipped(ReasonNoPayment, decimal.Zero)
	case a.Status == domain.StatusFailed:
		return skipped(ReasonPaymentFailed, decimal.Zero)
	case a.Status == domain.StatusRefunded || a.Status == domain.StatusCancelled:
		return skipped(ReasonAlreadyRefunded, a.Amount)
	}

	voided, err := a.Refund(s.now())
	if err != nil {
		return "", errs.E(errs.KindBusiness, "payment.refund", err)
	}
	if err := repo.Save(ctx, a); err != nil {
		return "", errs.Transient("payment.refund", err)
	}
	paymentsTotal.WithLabelValues("refund", string(a.Status)).Inc()
	logger.Ctx(ctx).Info().Bool("voided", voided).Str("reason", p.Reason).Msg("payment refunded")
	return s.emit(ctx, tx, env, event.RefundCompleted, event.RefundCompletedPayload{
		Amount: a.Amount,
		Voided: voided,
		Reason: p.Reason,
	})
}

// outcomeID 同一条命令总是得到同一个结果事件 ID
func outcomeID(env event.Envelope, t event.Type) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(env.EventID+"/"+string(t))).String()
}
