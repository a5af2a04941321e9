// internal/pkg/mq/failure_handler.go
package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"fulfillment/internal/event"
	"fulfillment/internal/pkg/logger"
)

// FailureHandler 把无法处理的消息转移到 <topic>.dlt，并记录原始位置和失败原因
type FailureHandler struct {
	publisher *Publisher
}

func NewFailureHandler(newWriter WriterFactory) *FailureHandler {
	return &FailureHandler{publisher: NewPublisher(newWriter)}
}

// Handle 写入死信主题，返回写入错误，调用方在成功之前不应提交原消息的 offset
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) error {
	dlt := event.DeadLetterTopic(msg.Topic)
	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: HeaderExceptionFqcn, Value: []byte(fmt.Sprintf("%T", cause))},
		kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
	)

	err := h.publisher.writer(dlt).WriteMessages(ctx, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
	log := logger.Ctx(ctx).With().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("🚨 CRITICAL: failed to write message to dead letter topic")
		return errors.Wrapf(err, "write %s", dlt)
	}
	deadLetteredTotal.WithLabelValues(msg.Topic).Inc()
	log.Warn().Err(cause).Str("dlt", dlt).Msg("message moved to dead letter topic")
	return nil
}

// Close 关闭死信 writer
func (h *FailureHandler) Close(ctx context.Context) {
	h.publisher.Close(ctx)
}
