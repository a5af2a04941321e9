package saga

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"fulfillment/internal/event"
	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/domain"
)

// Watchdog 巡检卡在中间步骤的订单，把超时转成 StepTimedOut 交给 saga 补偿
type Watchdog struct {
	saga    *Choreography
	orders  domain.OrderRepository
	timeout time.Duration
	batch   int
}

func NewWatchdog(saga *Choreography, orders domain.OrderRepository, timeout time.Duration, batch int) *Watchdog {
	if batch <= 0 {
		batch = 100
	}
	return &Watchdog{saga: saga, orders: orders, timeout: timeout, batch: batch}
}

// Scan 处理一批停滞订单，返回被超时取消的订单数
func (w *Watchdog) Scan(ctx context.Context, now time.Time) (int, error) {
	stuck, err := w.orders.FindStuck(ctx, cancellable, now.Add(-w.timeout), w.batch)
	if err != nil {
		return 0, errors.Wrap(err, "find stuck orders")
	}

	cancelled := 0
	for _, o := range stuck {
		stepTimeoutsTotal.WithLabelValues(string(o.Status)).Inc()
		env, err := event.NewWithID(timeoutEventID(o), event.StepTimedOut, o.ID,
			event.StepTimedOutPayload{Status: string(o.Status)}, now)
		if err != nil {
			return cancelled, err
		}

		err = w.saga.Handle(ctx, env)
		switch {
		case err == nil:
			cancelled++
			logger.Ctx(ctx).Warn().Str("order_id", o.ID).Str("status", string(o.Status)).
				Dur("timeout", w.timeout).Msg("order step timed out, compensating")
		case errs.Is(err, errs.KindInvalidTransition):
			// 巡检和正常推进赛跑，订单已经离开该状态
		default:
			logger.Ctx(ctx).Error().Err(err).Str("order_id", o.ID).Msg("step timeout handling failed")
		}
	}
	return cancelled, nil
}

// Run 按 interval 周期巡检，直到 ctx 结束
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Ctx(ctx).Info().Dur("interval", interval).Dur("step_timeout", w.timeout).Msg("✅ Saga watchdog started.")
	for {
		select {
		case <-ticker.C:
			if _, err := w.Scan(ctx, time.Now()); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("watchdog scan failed")
			}
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Saga watchdog shutting down.")
			return nil
		}
	}
}

// timeoutEventID 同一订单在同一状态停滞期间，重复巡检得到同一事件 ID
func timeoutEventID(o *domain.Order) string {
	name := o.ID + "|" + string(o.Status) + "|" + strconv.FormatInt(o.UpdatedAt.UnixNano(), 10)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
