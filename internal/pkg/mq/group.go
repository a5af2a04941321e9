package mq

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// ReaderFactory 为主题创建一个消费组内的 reader
type ReaderFactory func(topic string) MessageReader

// KafkaReaderFactory 使用同一个消费组
func KafkaReaderFactory(brokers []string, groupID string) ReaderFactory {
	return func(topic string) MessageReader {
		return NewKafkaReader(brokers, topic, groupID)
	}
}

// ConsumerGroup 为每个主题启动 concurrency 个 Consumer。
// 同组的 reader 分摊分区，分区内仍然串行。
type ConsumerGroup struct {
	consumers []*Consumer
}

func NewConsumerGroup(newReader ReaderFactory, topics []string, concurrency int, handle EventHandler,
	failureHandler *FailureHandler, opts ConsumerOptions, tracer trace.Tracer) *ConsumerGroup {
	if concurrency < 1 {
		concurrency = 1
	}
	g := &ConsumerGroup{}
	for _, topic := range topics {
		for i := 0; i < concurrency; i++ {
			g.consumers = append(g.consumers, NewConsumer(newReader(topic), handle, failureHandler, opts, tracer))
		}
	}
	return g
}

func (g *ConsumerGroup) Start(ctx context.Context) error {
	for _, c := range g.consumers {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (g *ConsumerGroup) Stop(ctx context.Context) {
	for _, c := range g.consumers {
		c.Stop(ctx)
	}
}

// Len 返回 Consumer 数量
func (g *ConsumerGroup) Len() int {
	return len(g.consumers)
}
