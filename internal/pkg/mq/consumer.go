// internal/pkg/mq/consumer.go
package mq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/event"
	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/pkg/logger"
)

// EventHandler 处理一个已解码的信封
type EventHandler func(ctx context.Context, env event.Envelope) error

// ConsumerOptions 重试参数
type ConsumerOptions struct {
	MaxRetries int
	// Backoff 为每条消息创建一个新的退避序列
	Backoff func() backoff.BackOff
}

// Consumer 是一个驱动适配器: 从主题读取信封并交给 EventHandler。
// 分区内的消息串行处理，瞬时错误原地退避重试，保证同一聚合的顺序；重试耗尽后转入死信。
type Consumer struct {
	reader         MessageReader
	handle         EventHandler
	failureHandler *FailureHandler
	opts           ConsumerOptions
	tracer         trace.Tracer

	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewConsumer(reader MessageReader, handle EventHandler, failureHandler *FailureHandler, opts ConsumerOptions, tracer trace.Tracer) *Consumer {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(200*time.Millisecond),
				backoff.WithMaxInterval(10*time.Second),
				backoff.WithMaxElapsedTime(0),
			)
		}
	}
	return &Consumer{
		reader:         reader,
		handle:         handle,
		failureHandler: failureHandler,
		opts:           opts,
		tracer:         tracer,
	}
}

// Start 开始监听 Kafka 主题。这是一个长期运行的方法。
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		topic := c.reader.Config().Topic
		logger.Ctx(ctx).Info().Str("topic", topic).Msg("✅ Kafka Consumer Adapter started.")
		for {
			if c.stopped.Load() {
				return
			}
			// 使用FetchMessage而不是ReadMessage，以便处理完成后再提交
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || c.stopped.Load() {
					logger.Ctx(ctx).Info().Str("topic", topic).Msg("🛑 Kafka Consumer Adapter shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Str("topic", topic).Msg("could not read message, retrying")
				time.Sleep(time.Second)
				continue
			}

			msgCtx := ExtractTraceContext(ctx, msg.Headers)
			if !c.processMessage(msgCtx, msg) {
				// 退避期间进程退出: 不提交，重启后重新投递
				continue
			}

			// 成功、丢弃或已写入死信后才提交Offset
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Str("topic", topic).Msg("failed to commit messages")
			}
		}
	}()
	return nil
}

// Stop 优雅地停止消费者。
func (c *Consumer) Stop(ctx context.Context) {
	c.stopped.Store(true)
	c.reader.Close()
	c.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", c.reader.Config().Topic).Msg("✅ Kafka Consumer Adapter stopped.")
}

// processMessage 解码信封并按错误分类决定 丢弃 / 重试 / 死信。返回 false 表示不应提交 offset。
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) bool {
	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		consumedTotal.WithLabelValues(msg.Topic, "poison").Inc()
		return c.deadLetter(ctx, msg, errs.InvalidInput("mq.decode", err))
	}

	ctx = logger.With(ctx, map[string]string{
		"event_id":     env.EventID,
		"event_type":   string(env.EventType),
		"aggregate_id": env.AggregateID,
	})
	ctx, span := c.tracer.Start(ctx, "consume."+string(env.EventType), trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.kafka.message.key", string(msg.Key)),
			attribute.String("event.id", env.EventID),
		))
	defer span.End()
	ctx = logger.WithTrace(ctx)
	log := logger.Ctx(ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := c.handle(ctx, env)
		switch errs.KindOf(err) {
		case errs.KindUnknown, errs.KindTransient:
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, next time.Duration) {
		span.RecordError(err)
		retriesTotal.WithLabelValues(msg.Topic).Inc()
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("transient failure, retrying")
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.opts.Backoff(), uint64(c.opts.MaxRetries)), ctx)
	err = backoff.RetryNotify(op, policy, notify)

	switch errs.KindOf(err) {
	case errs.KindInvalidTransition:
		consumedTotal.WithLabelValues(msg.Topic, "stale").Inc()
		log.Warn().Err(err).Msg("stale event discarded")
		return true
	case errs.KindDuplicateDelivery:
		consumedTotal.WithLabelValues(msg.Topic, "duplicate").Inc()
		log.Debug().Msg("duplicate delivery ignored")
		return true
	case errs.KindBusiness:
		consumedTotal.WithLabelValues(msg.Topic, "rejected").Inc()
		log.Warn().Err(err).Msg("event rejected by business rule")
		return true
	case errs.KindInvalidInput:
		consumedTotal.WithLabelValues(msg.Topic, "poison").Inc()
		span.RecordError(err)
		return c.deadLetter(ctx, msg, err)
	}
	if err == nil {
		consumedTotal.WithLabelValues(msg.Topic, "ok").Inc()
		return true
	}
	// 退避期间进程退出: 不提交，重启后重新投递
	if ctx.Err() != nil {
		return false
	}

	// 瞬时错误 (及未分类错误) 重试耗尽
	consumedTotal.WithLabelValues(msg.Topic, "dead_letter").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "retries exhausted")
	log.Error().Err(err).Int("attempts", attempt).Msg("retries exhausted")
	return c.deadLetter(ctx, msg, err)
}

// deadLetter 写入死信主题，写入失败时持续退避重试，阻塞本分区直到成功或 ctx 结束。
// 返回 false 表示消息既未处理也未进入死信，不能提交 offset。
func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) bool {
	if c.failureHandler == nil {
		logger.Ctx(ctx).Error().Err(cause).Str("topic", msg.Topic).Msg("🚨 CRITICAL: no failure handler, message dropped")
		return true
	}
	write := func() error { return c.failureHandler.Handle(ctx, msg, cause) }
	if err := backoff.Retry(write, backoff.WithContext(c.opts.Backoff(), ctx)); err != nil {
		return false
	}
	return true
}
