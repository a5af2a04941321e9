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
	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/cart/domain"
	"fulfillment/internal/service/cart/port"
)

var (
	cartsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_sweep_expired_total",
		Help: "Carts transitioned to EXPIRED by the sweeper.",
	})
	cartSweepFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_sweep_failures_total",
		Help: "Carts the sweeper failed to expire.",
	})
	cartSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cart_sweep_duration_seconds",
		Help:    "Duration of one cart sweep.",
		Buckets: prometheus.DefBuckets,
	})
)

// SweepFailure 单个购物车的失败，不影响同批其他购物车
type SweepFailure struct {
	CartID string
	Err    error
}

// SweepReport 一次清扫的结果
type SweepReport struct {
	Scanned  int
	Expired  int
	Failures []SweepFailure
}

// Sweeper 把超过 TTL 未活动的 ACTIVE 购物车置为 EXPIRED，并为每个购物车登记一条 CartExpired
type Sweeper struct {
	store  port.Store
	ttl    time.Duration
	batch  int
	tracer trace.Tracer
}

func NewSweeper(store port.Store, ttl time.Duration, batch int, tracer trace.Tracer) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{store: store, ttl: ttl, batch: batch, tracer: tracer}
}

// Sweep 分批选出过期购物车，每个购物车一个工作单元。
// 只有选取本身失败时才返回 error；单个购物车的失败记录在报告中。
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	ctx, span := s.tracer.Start(ctx, "cart.Sweep")
	defer span.End()
	start := time.Now()
	defer func() { cartSweepDuration.Observe(time.Since(start).Seconds()) }()

	var report SweepReport
	cutoff := now.Add(-s.ttl)
	// 游标只前进: 本轮失败的购物车不会再次占满批次，留给下一轮清扫
	var cursor *domain.Cursor
	for {
		var carts []*domain.Cart
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
			var err error
			carts, err = tx.Carts().FindInactive(ctx, cutoff, cursor, s.batch)
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "select inactive carts failed")
			return report, errors.Wrap(err, "select inactive carts")
		}

		for _, c := range carts {
			report.Scanned++
			expired, err := s.expire(ctx, c.ID, now)
			if err != nil {
				cartSweepFailuresTotal.Inc()
				report.Failures = append(report.Failures, SweepFailure{CartID: c.ID, Err: err})
				logger.Ctx(ctx).Error().Err(err).Str("cart_id", c.ID).Msg("cart expiration failed")
				continue
			}
			if expired {
				report.Expired++
			}
		}
		if len(carts) < s.batch {
			break
		}
		cursor = domain.CursorOf(carts[len(carts)-1])
	}

	span.SetAttributes(
		attribute.Int("cart.scanned", report.Scanned),
		attribute.Int("cart.expired", report.Expired),
		attribute.Int("cart.failures", len(report.Failures)),
	)
	return report, nil
}

// expire 在单独的工作单元内重新加载购物车，确认仍然过期后再转换状态
func (s *Sweeper) expire(ctx context.Context, cartID string, now time.Time) (bool, error) {
	expired := false
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		c, err := tx.Carts().FindByID(ctx, cartID)
		if err != nil {
			return err
		}
		if !c.ExpiredAt(s.ttl, now) {
			return nil
		}
		lastActivity := c.LastActivityAt
		if err := c.Expire(now); err != nil {
			return err
		}
		if err := tx.Carts().Save(ctx, c); err != nil {
			return err
		}
		env, err := event.NewWithID(expiredEventID(c.ID), event.CartExpired, c.ID, event.CartExpiredPayload{
			CustomerID:     c.CustomerID,
			ItemCount:      c.ItemCount(),
			LastActivityAt: lastActivity.UTC(),
			ExpiredAt:      now.UTC(),
		}, now)
		if err != nil {
			return err
		}
		if err := tx.Outbox().Record(ctx, env); err != nil {
			return errs.Transient("cart.expire", err)
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if expired {
		cartsExpiredTotal.Inc()
	}
	return expired, nil
}

// Run 按 interval 周期清扫，失败只记日志
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Ctx(ctx).Info().Dur("interval", interval).Dur("ttl", s.ttl).Msg("✅ Cart sweeper started.")
	for {
		select {
		case <-ticker.C:
			report, err := s.Sweep(ctx, time.Now())
			if err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("cart sweep failed")
				continue
			}
			if report.Expired > 0 || len(report.Failures) > 0 {
				logger.Ctx(ctx).Info().Int("expired", report.Expired).Int("failures", len(report.Failures)).
					Msg("cart sweep finished")
			}
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Cart sweeper shutting down.")
			return nil
		}
	}
}

// expiredEventID 一个购物车只会过期一次
func expiredEventID(cartID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(cartID+"/"+string(event.CartExpired))).String()
}
