// internal/service/order/application/saga/choreography.go
package saga

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
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/port"
)

// ConsumerName 是订单 saga 在去重账本中的消费者名
const ConsumerName = "order-saga"

// OutcomeDiscarded 是过期事件在账本中登记的结果
const OutcomeDiscarded = "DISCARDED"

// OutcomeAcknowledged 表示补偿回执，订单状态不变
const OutcomeAcknowledged = "ACKNOWLEDGED"

// Choreography 订单侧的 saga 反应器: 消费参与方的结果事件，推进订单状态并发出下一步命令。
type Choreography struct {
	store       port.Store
	locker      port.Locker
	guard       *idempotency.Guard
	tracer      trace.Tracer
	lockTimeout time.Duration
	now         func() time.Time
	rules       map[event.Type]rule
}

func NewChoreography(store port.Store, locker port.Locker, guard *idempotency.Guard, tracer trace.Tracer, lockTimeout time.Duration) *Choreography {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	c := &Choreography{
		store:       store,
		locker:      locker,
		guard:       guard,
		tracer:      tracer,
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
	c.rules = rulesTable()
	return c
}

// Topics saga 订阅的主题: 订单自身的事件和各参与方的结果事件
func Topics() []string {
	return []string{
		event.TopicOrderEvents,
		event.TopicInventoryEvents,
		event.TopicPaymentEvents,
		event.TopicShippingEvents,
	}
}

// Handles 返回 saga 处理的事件类型
func (c *Choreography) Handles(t event.Type) bool {
	_, ok := c.rules[t]
	return ok
}

// Handle 处理一条事件。过期事件返回 *domain.InvalidTransitionError (已登记，不需要重试)；
// 重复投递返回 nil；其余错误按 errs.Kind 由消费端决定重试或进入死信。
func (c *Choreography) Handle(ctx context.Context, env event.Envelope) error {
	r, ok := c.rules[env.EventType]
	if !ok {
		logger.Ctx(ctx).Debug().Str("event_type", string(env.EventType)).Str("event_id", env.EventID).
			Msg("saga ignoring event of unhandled type")
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "saga."+string(env.EventType), trace.WithAttributes(
		attribute.String("order.id", env.AggregateID),
		attribute.String("event.id", env.EventID),
	))
	defer span.End()
	ctx = logger.With(logger.WithTrace(ctx), map[string]string{
		"order_id":   env.AggregateID,
		"event_id":   env.EventID,
		"event_type": string(env.EventType),
	})

	if _, seen := c.guard.Seen(ctx, env.EventID); seen {
		logger.Ctx(ctx).Debug().Msg("duplicate delivery short-circuited by cache")
		eventsTotal.WithLabelValues(string(env.EventType), "duplicate").Inc()
		return nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	release, err := c.locker.Acquire(lockCtx, env.AggregateID)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock acquisition failed")
		eventsTotal.WithLabelValues(string(env.EventType), "error").Inc()
		return errs.Transient("saga.lock", errors.Wrapf(err, "lock order %s", env.AggregateID))
	}
	defer release()

	var (
		res   idempotency.Result
		stale error
	)
	err = c.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		stale = nil
		var err error
		res, err = c.guard.Run(ctx, tx.Ledger(), env.EventID, func(ctx context.Context) (string, error) {
			outcome, err := c.apply(ctx, tx, r, env)
			var ite *domain.InvalidTransitionError
			if errors.As(err, &ite) {
				stale = err
				return OutcomeDiscarded, nil
			}
			return outcome, err
		})
		return err
	})
	res, err = c.guard.Settle(ctx, env.EventID, res, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "saga step failed")
		eventsTotal.WithLabelValues(string(env.EventType), "error").Inc()
		return err
	}

	switch {
	case res.Duplicate:
		logger.Ctx(ctx).Debug().Str("outcome", res.Outcome).Msg("duplicate delivery ignored")
		eventsTotal.WithLabelValues(string(env.EventType), "duplicate").Inc()
		return nil
	case stale != nil:
		logger.Ctx(ctx).Warn().Err(stale).Msg("stale event discarded")
		staleEventsTotal.WithLabelValues(string(env.EventType)).Inc()
		eventsTotal.WithLabelValues(string(env.EventType), "stale").Inc()
		span.AddEvent("stale event discarded")
		return stale
	}

	logger.Ctx(ctx).Info().Str("outcome", res.Outcome).Msg("saga step applied")
	eventsTotal.WithLabelValues(string(env.EventType), "applied").Inc()
	span.SetAttributes(attribute.String("order.status", res.Outcome))
	return nil
}

// apply 在工作单元内加载订单、复核状态并执行规则。只有规则整体成功时才落库和写发件箱。
func (c *Choreography) apply(ctx context.Context, tx port.Tx, r rule, env event.Envelope) (string, error) {
	order, err := tx.Orders().FindByID(ctx, env.AggregateID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return "", errs.InvalidInput("saga.load", errors.Wrapf(err, "order %s", env.AggregateID))
	}
	if err != nil {
		return "", errs.Transient("saga.load", err)
	}

	for _, s := range r.acks {
		if order.Status == s {
			return OutcomeAcknowledged, nil
		}
	}
	if !r.accepts(order.Status) {
		return "", &domain.InvalidTransitionError{From: order.Status, To: r.to}
	}

	s := &step{env: env, order: order, actor: r.actor, now: c.now()}
	if err := r.apply(s); err != nil {
		return "", err
	}

	if s.changed {
		if err := tx.Orders().Save(ctx, order); err != nil {
			return "", err
		}
	}
	for _, e := range s.emits {
		if err := tx.Outbox().Record(ctx, e); err != nil {
			return "", errs.Transient("saga.emit", err)
		}
	}
	return string(order.Status), nil
}

// step 是一次规则执行的上下文
type step struct {
	env     event.Envelope
	order   *domain.Order
	actor   string
	now     time.Time
	changed bool
	emits   []event.Envelope
}

func (s *step) decode(v any) error {
	if err := s.env.Decode(v); err != nil {
		return errs.InvalidInput("saga.decode", err)
	}
	return nil
}

func (s *step) transition(to domain.Status, reason string) error {
	if err := s.order.TransitionTo(to, s.actor, reason, s.now); err != nil {
		return err
	}
	s.changed = true
	return nil
}

// emit 生成下游命令。事件 ID 由触发事件和命令类型决定，重放同一触发事件得到同一命令。
func (s *step) emit(t event.Type, payload any) error {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(s.env.EventID+"/"+string(t))).String()
	env, err := event.NewWithID(id, t, s.order.ID, payload, s.now)
	if err != nil {
		return errs.InvalidInput("saga.emit", err)
	}
	s.emits = append(s.emits, env)
	return nil
}

// compensate 按订单当前状态发出回滚命令:
// PENDING 释放库存；CONFIRMED 再加退款；PROCESSING 再加取消发货。
func (s *step) compensate(reason string) error {
	var cmds []event.Type
	switch s.order.Status {
	case domain.StatusPending:
		cmds = []event.Type{event.ReleaseStockRequested}
	case domain.StatusConfirmed:
		cmds = []event.Type{event.ReleaseStockRequested, event.RefundPaymentRequested}
	case domain.StatusProcessing:
		cmds = []event.Type{event.ReleaseStockRequested, event.RefundPaymentRequested, event.CancelShipmentRequested}
	}
	for _, t := range cmds {
		if err := s.emitCompensation(t, reason); err != nil {
			return err
		}
	}
	return nil
}

func (s *step) emitCompensation(t event.Type, reason string) error {
	var payload any
	switch t {
	case event.ReleaseStockRequested:
		payload = event.ReleaseStockRequestedPayload{Reason: reason}
	case event.RefundPaymentRequested:
		payload = event.RefundPaymentRequestedPayload{Reason: reason}
	case event.CancelShipmentRequested:
		payload = event.CancelShipmentRequestedPayload{Reason: reason}
	default:
		return errors.Errorf("saga: %s is not a compensation", t)
	}
	if err := s.emit(t, payload); err != nil {
		return err
	}
	compensationsTotal.WithLabelValues(string(t)).Inc()
	return nil
}
