// internal/service/order/interfaces/dlt_handler.go
package interfaces

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
)

var deadLettersReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dlt_messages_received_total",
	Help: "Dead-lettered messages observed, by original topic.",
}, []string{"original_topic"})

// DltConsumerAdapter 监听死信队列并记录日志
type DltConsumerAdapter struct {
	reader  mq.MessageReader
	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewDltConsumerAdapter(reader mq.MessageReader) *DltConsumerAdapter {
	return &DltConsumerAdapter{
		reader: reader,
	}
}

func (a *DltConsumerAdapter) Start(ctx context.Context) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ DLT Consumer Adapter started.")
		for {
			if a.stopped.Load() {
				return
			}
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || a.stopped.Load() {
					logger.Ctx(ctx).Info().Msg("🛑 DLT Consumer Adapter shutting down.")
					return
				}
				time.Sleep(time.Second)
				continue
			}

			// 记录死信消息详情
			logDeadLetter(ctx, msg)

			// DLT中的消息总是直接提交，因为它们已经被“处理”了（即记录日志）
			if err := a.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("failed to commit dead letter offset")
			}
		}
	}()
	return nil
}

func (a *DltConsumerAdapter) Stop(ctx context.Context) {
	a.stopped.Store(true)
	a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ DLT Consumer Adapter stopped.")
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	originalTopic := mq.Header(msg.Headers, mq.HeaderOriginalTopic)
	deadLettersReceived.WithLabelValues(originalTopic).Inc()

	// 使用结构化日志记录，便于后续分析
	logger.Ctx(ctx).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", originalTopic).
		Str("original_partition", mq.Header(msg.Headers, mq.HeaderOriginalPartition)).
		Str("original_offset", mq.Header(msg.Headers, mq.HeaderOriginalOffset)).
		Str("event_id", mq.Header(msg.Headers, mq.HeaderEventID)).
		Str("event_type", mq.Header(msg.Headers, mq.HeaderEventType)).
		Str("exception_fqcn", mq.Header(msg.Headers, mq.HeaderExceptionFqcn)).
		Str("exception_message", mq.Header(msg.Headers, mq.HeaderExceptionMessage)).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: Dead letter message received")
}
