// internal/outbox/dispatcher.go
package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/logger"
)

// Options 投递参数
type Options struct {
	BatchSize   int
	MaxAttempts int
	// Backoff 每次创建一个新的退避序列，第 n 次失败后的等待时长是序列的第 n 个值
	Backoff func() backoff.BackOff
	// Retention 已发送消息的保留时长，0 表示不清理
	Retention time.Duration
}

// Dispatcher 轮询发件箱并发布到总线。
// 同一聚合的消息严格按创建顺序发布: 队头消息未到期或发布失败时，本轮跳过该聚合的后续消息。
type Dispatcher struct {
	store     Store
	publisher Publisher
	opts      Options
	tracer    trace.Tracer
}

// NewDispatcher 创建投递器
func NewDispatcher(store Store, publisher Publisher, opts Options, tracer trace.Tracer) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(500*time.Millisecond),
				backoff.WithMaxInterval(time.Minute),
				backoff.WithMaxElapsedTime(0),
			)
		}
	}
	return &Dispatcher{store: store, publisher: publisher, opts: opts, tracer: tracer}
}

// Run 按固定周期执行投递，直到 ctx 结束
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	logger.Ctx(ctx).Info().Dur("interval", interval).Msg("✅ Outbox dispatcher started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	housekeeping := time.NewTicker(time.Hour)
	defer housekeeping.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx, time.Now()); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("outbox dispatch round failed")
			}
		case <-housekeeping.C:
			if d.opts.Retention > 0 {
				d.Housekeep(ctx, time.Now().Add(-d.opts.Retention))
			}
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Outbox dispatcher shutting down")
			return nil
		}
	}
}

// Locker 用于在多个副本之间选出唯一的投递器
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// RunExclusive 持有 key 对应的锁期间执行 Run。拿不到锁的副本待命，直到持有者退出。
// 同一聚合的顺序依赖于只有一个投递器在发布。
func (d *Dispatcher) RunExclusive(ctx context.Context, interval time.Duration, locker Locker, key string) error {
	for {
		release, err := locker.Acquire(ctx, key)
		if err == nil {
			defer release()
			logger.Ctx(ctx).Info().Str("lock", key).Msg("outbox dispatcher lock acquired")
			return d.Run(ctx, interval)
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Ctx(ctx).Debug().Err(err).Str("lock", key).Msg("outbox dispatcher on standby")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// DispatchOnce 执行一轮投递，返回成功发布的条数。
// 按 ID 分页扫描全部 PENDING 消息，被阻塞的聚合只跳过自身，不占住后续分页。
func (d *Dispatcher) DispatchOnce(ctx context.Context, now time.Time) (int, error) {
	blocked := make(map[string]struct{})
	sent := 0
	var afterID int64
	for {
		msgs, err := d.store.FetchPending(ctx, afterID, d.opts.BatchSize)
		if err != nil {
			return sent, err
		}
		for _, m := range msgs {
			key := m.Envelope.AggregateID
			if _, ok := blocked[key]; ok {
				continue
			}
			if m.NextAttemptAt.After(now) {
				blocked[key] = struct{}{}
				continue
			}
			if !d.publish(ctx, m, now) {
				blocked[key] = struct{}{}
				continue
			}
			sent++
		}
		if len(msgs) < d.opts.BatchSize || ctx.Err() != nil {
			break
		}
		afterID = msgs[len(msgs)-1].ID
	}

	d.observe(ctx, now)
	return sent, nil
}

func (d *Dispatcher) publish(ctx context.Context, m Message, now time.Time) bool {
	ctx, span := d.tracer.Start(ctx, "outbox.Publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", m.Topic),
			attribute.String("event.id", m.Envelope.EventID),
			attribute.String("event.type", string(m.Envelope.EventType)),
			attribute.String("aggregate.id", m.Envelope.AggregateID),
		))
	defer span.End()

	log := logger.Ctx(ctx).With().
		Int64("outbox_id", m.ID).
		Str("event_id", m.Envelope.EventID).
		Str("event_type", string(m.Envelope.EventType)).
		Str("aggregate_id", m.Envelope.AggregateID).
		Logger()

	if err := d.publisher.Publish(ctx, m.Topic, m.Envelope.AggregateID, m.Envelope); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		d.fail(ctx, m, err, now)
		return false
	}
	publishedTotal.WithLabelValues(m.Topic).Inc()

	// 已发布但未能标记 SENT: 消息仍是 PENDING，下一轮会重发，由消费端幂等吸收
	if err := d.store.MarkSent(ctx, m.ID, now); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("published but failed to mark outbox message as sent")
		return false
	}
	return true
}

func (d *Dispatcher) fail(ctx context.Context, m Message, cause error, now time.Time) {
	attempts := m.Attempts + 1
	log := logger.Ctx(ctx).With().
		Int64("outbox_id", m.ID).
		Str("event_id", m.Envelope.EventID).
		Str("event_type", string(m.Envelope.EventType)).
		Str("aggregate_id", m.Envelope.AggregateID).
		Int("attempts", attempts).
		Logger()

	delay := d.retryDelay(attempts)
	if attempts >= d.opts.MaxAttempts || delay == backoff.Stop {
		deadLetterTotal.WithLabelValues(m.Topic).Inc()
		if err := d.store.MarkDead(ctx, m.ID, attempts, cause.Error()); err != nil {
			log.Error().Err(err).Msg("failed to mark outbox message as dead")
			return
		}
		log.Error().Err(cause).Str("topic", m.Topic).Msg("🚨 CRITICAL: outbox message moved to dead state")
		return
	}

	publishFailuresTotal.WithLabelValues(m.Topic).Inc()
	next := now.Add(delay)
	if err := d.store.MarkFailed(ctx, m.ID, attempts, next, cause.Error()); err != nil {
		log.Error().Err(err).Msg("failed to schedule outbox retry")
		return
	}
	log.Warn().Err(cause).Time("next_attempt_at", next).Msg("outbox publish failed, retry scheduled")
}

// retryDelay 重放退避序列，返回第 attempts 次失败后的等待时长
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	b := d.opts.Backoff()
	b.Reset()
	delay := backoff.Stop
	for i := 0; i < attempts; i++ {
		if delay = b.NextBackOff(); delay == backoff.Stop {
			break
		}
	}
	return delay
}

func (d *Dispatcher) observe(ctx context.Context, now time.Time) {
	st, err := d.store.Stats(ctx)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("failed to read outbox stats")
		return
	}
	pendingGauge.Set(float64(st.Pending))
	deadGauge.Set(float64(st.Dead))
	if st.OldestPendingAt != nil {
		oldestPendingAge.Set(now.Sub(*st.OldestPendingAt).Seconds())
	} else {
		oldestPendingAge.Set(0)
	}
}

// Housekeep 清理早于 before 的已发送消息
func (d *Dispatcher) Housekeep(ctx context.Context, before time.Time) {
	n, err := d.store.PurgeSent(ctx, before)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("outbox purge failed")
		return
	}
	if n > 0 {
		logger.Ctx(ctx).Info().Int64("purged", n).Msg("outbox sent messages purged")
	}
}
