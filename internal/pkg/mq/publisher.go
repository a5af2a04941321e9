// internal/pkg/mq/publisher.go
package mq

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"fulfillment/internal/event"
	"fulfillment/internal/pkg/logger"
)

// WriterFactory 按主题创建写入器
type WriterFactory func(topic string) MessageWriter

// KafkaWriterFactory 返回基于 NewKafkaWriter 的工厂
func KafkaWriterFactory(brokers []string) WriterFactory {
	return func(topic string) MessageWriter {
		return NewKafkaWriter(brokers, topic)
	}
}

// Publisher 把事件信封写入 Kafka，每个主题维护一个独立的 writer
type Publisher struct {
	newWriter WriterFactory
	// key: topic
	writers    map[string]MessageWriter
	writerLock sync.Mutex
}

func NewPublisher(newWriter WriterFactory) *Publisher {
	return &Publisher{newWriter: newWriter, writers: make(map[string]MessageWriter)}
}

func (p *Publisher) writer(topic string) MessageWriter {
	p.writerLock.Lock()
	defer p.writerLock.Unlock()
	w, ok := p.writers[topic]
	if !ok {
		w = p.newWriter(topic)
		p.writers[topic] = w
	}
	return w
}

// Publish 以聚合 id 为 key 发布信封，返回 nil 表示 broker 已确认
func (p *Publisher) Publish(ctx context.Context, topic, key string, env event.Envelope) error {
	value, err := event.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	err = ProduceMessage(ctx, p.writer(topic), []byte(key), value,
		kafka.Header{Key: HeaderEventID, Value: []byte(env.EventID)},
		kafka.Header{Key: HeaderEventType, Value: []byte(env.EventType)},
	)
	return errors.Wrapf(err, "publish %s to %s", env.EventType, topic)
}

// Close 关闭所有 writer
func (p *Publisher) Close(ctx context.Context) {
	p.writerLock.Lock()
	defer p.writerLock.Unlock()
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("topic", topic).Msg("failed to close writer")
		}
	}
	p.writers = make(map[string]MessageWriter)
}
