// internal/idempotency/guard.go
package idempotency

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/pkg/logger"
)

// Result 是一次处理的结果。Duplicate 为 true 时 Outcome 是第一次处理时登记的结果。
type Result struct {
	Outcome   string
	Duplicate bool
}

// Guard 为一个消费者提供"至多生效一次"的保证。
//
// 用法:
//
//	if res, ok := guard.Seen(ctx, id); ok { return res }
//	store.WithinTx(ctx, func(ctx, tx) error {
//	    res, err = guard.Run(ctx, tx.Ledger(), id, apply)
//	    return err
//	})
//	res, err = guard.Settle(ctx, id, res, err)
//
// Run 把账本插入放在副作用之后、同一事务之内；并发的重复投递会在唯一约束上失败并回滚。
type Guard struct {
	consumer string
	cache    Cache
	now      func() time.Time
}

// NewGuard cache 可以为 nil
func NewGuard(consumer string, cache Cache) *Guard {
	return &Guard{consumer: consumer, cache: cache, now: time.Now}
}

func (g *Guard) Consumer() string { return g.consumer }

// Seen 查询缓存。缓存故障只记日志，按未命中处理，由账本兜底。
func (g *Guard) Seen(ctx context.Context, eventID string) (Result, bool) {
	if g.cache == nil {
		return Result{}, false
	}
	outcome, ok, err := g.cache.Get(ctx, g.consumer, eventID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("consumer", g.consumer).Str("event_id", eventID).
			Msg("idempotency cache lookup failed")
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	duplicatesTotal.WithLabelValues(g.consumer).Inc()
	return Result{Outcome: outcome, Duplicate: true}, true
}

// Run 在调用方的工作单元内执行 fn，并登记其结果
func (g *Guard) Run(ctx context.Context, ledger Ledger, eventID string, fn func(ctx context.Context) (string, error)) (Result, error) {
	rec, err := ledger.Find(ctx, g.consumer, eventID)
	if err != nil {
		return Result{}, errs.Transient("idempotency.Find", err)
	}
	if rec != nil {
		return Result{Outcome: rec.Outcome, Duplicate: true}, nil
	}

	outcome, err := fn(ctx)
	if err != nil {
		return Result{}, err
	}

	err = ledger.Insert(ctx, Record{
		Consumer:    g.consumer,
		EventID:     eventID,
		Outcome:     outcome,
		ProcessedAt: g.now().UTC(),
	})
	if errors.Is(err, ErrDuplicate) {
		// 并发的另一次投递先提交了，本次必须回滚
		return Result{}, errs.E(errs.KindDuplicateDelivery, "idempotency.Insert", err)
	}
	if err != nil {
		return Result{}, errs.Transient("idempotency.Insert", err)
	}
	return Result{Outcome: outcome}, nil
}

// Settle 在事务结束后调用: 把唯一约束冲突折算成重复投递，并把已提交的结果写入缓存
func (g *Guard) Settle(ctx context.Context, eventID string, res Result, err error) (Result, error) {
	if errors.Is(err, ErrDuplicate) {
		duplicatesTotal.WithLabelValues(g.consumer).Inc()
		return Result{Duplicate: true}, nil
	}
	if err != nil {
		return res, err
	}
	if res.Duplicate {
		duplicatesTotal.WithLabelValues(g.consumer).Inc()
	}
	if g.cache != nil {
		if cerr := g.cache.Put(ctx, g.consumer, eventID, res.Outcome); cerr != nil {
			logger.Ctx(ctx).Warn().Err(cerr).Str("consumer", g.consumer).Str("event_id", eventID).
				Msg("idempotency cache write failed")
		}
	}
	return res, nil
}

// Purge 删除 before 之前登记的记录
func (g *Guard) Purge(ctx context.Context, p Purger, before time.Time) (int64, error) {
	n, err := p.Purge(ctx, g.consumer, before)
	if err != nil {
		return 0, errors.Wrapf(err, "purge ledger for %s", g.consumer)
	}
	purgedTotal.WithLabelValues(g.consumer).Add(float64(n))
	return n, nil
}

// RunPurge 按 interval 周期清理超过 retention 的记录，直到 ctx 结束
func (g *Guard) RunPurge(ctx context.Context, p Purger, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := g.Purge(ctx, p, g.now().Add(-retention))
			if err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				logger.Ctx(ctx).Info().Int64("purged", n).Str("consumer", g.consumer).Msg("idempotency records purged")
			}
		case <-ctx.Done():
			return nil
		}
	}
}
