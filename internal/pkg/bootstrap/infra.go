// internal/pkg/bootstrap/infra.go
package bootstrap

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"fulfillment/internal/event"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/database"
	"fulfillment/internal/pkg/keylock"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/pkg/redis"
	"fulfillment/internal/zookeeper"
)

type messaging struct {
	publisher *mq.Publisher
	failures  *mq.FailureHandler
}

// bus 延迟创建共用的 Kafka 发布器和死信处理器，关停时关闭
func (a *AppCtx) bus() *messaging {
	if a.messages != nil {
		return a.messages
	}
	newWriter := mq.KafkaWriterFactory(a.Config.Infra.Kafka.Brokers)
	a.messages = &messaging{
		publisher: mq.NewPublisher(newWriter),
		failures:  mq.NewFailureHandler(newWriter),
	}
	m := a.messages
	a.OnShutdown(func(ctx context.Context) {
		m.failures.Close(ctx)
		m.publisher.Close(ctx)
	})
	return m
}

// OpenDatabase 在 gorm 驱动下打开 MySQL，AutoMigrate 开启时迁移发件箱、去重账本和 migrate 中的表。
// memory 驱动返回 nil。
func (a *AppCtx) OpenDatabase(migrate ...func(*gorm.DB) error) (*gorm.DB, error) {
	if a.Config.Store.Driver != DriverGorm {
		return nil, nil
	}
	db, err := database.Open(a.Config.Infra.MySQL)
	if err != nil {
		return nil, err
	}
	a.OnShutdown(func(ctx context.Context) {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	if !a.Config.Store.AutoMigrate {
		return db, nil
	}
	for _, m := range append([]func(*gorm.DB) error{outbox.AutoMigrate, idempotency.AutoMigrate}, migrate...) {
		if err := m(db); err != nil {
			return nil, errors.Wrap(err, "auto migrate")
		}
	}
	return db, nil
}

// NewGuard 创建去重守卫，配置了 Redis 时在账本前加一层缓存
func (a *AppCtx) NewGuard(consumer string) (*idempotency.Guard, error) {
	if a.Config.Infra.Redis.Addrs == "" {
		return idempotency.NewGuard(consumer, nil), nil
	}
	client, err := redis.NewClient(a.Config.Infra.Redis.Addrs)
	if err != nil {
		return nil, err
	}
	a.OnShutdown(func(context.Context) { client.Close() })
	return idempotency.NewGuard(consumer, idempotency.NewRedisCache(client, a.Config.Idempotency.CacheTTL)), nil
}

// KeyLocker 按聚合 id 串行化处理
type KeyLocker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// NewLocker 按 saga.locker 选择进程内锁或 ZooKeeper 分布式锁，同一服务内共用一个
func (a *AppCtx) NewLocker(ctx context.Context) (KeyLocker, error) {
	if a.locker != nil {
		return a.locker, nil
	}
	cfg := a.Config
	if cfg.Saga.Locker != LockerZookeeper {
		a.locker = keylock.New()
		return a.locker, nil
	}
	conn, err := zookeeper.Connect(ctx, cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
	if err != nil {
		return nil, err
	}
	a.OnShutdown(func(context.Context) { conn.Close() })
	a.locker = zookeeper.NewLocker(conn, cfg.Saga.LockTimeout)
	return a.locker, nil
}

// Dispatch 注册发件箱投递任务。多实例部署 (zookeeper 锁) 时只有持锁的副本投递。
func (a *AppCtx) Dispatch(ctx context.Context, store outbox.Store) error {
	cfg := a.Config.Outbox
	d := outbox.NewDispatcher(store, a.bus().publisher, cfg.Options(), a.Tracer)
	if a.Config.Saga.Locker != LockerZookeeper {
		a.Go("outbox-dispatcher", func(ctx context.Context) error {
			return d.Run(ctx, cfg.PollInterval)
		})
		return nil
	}
	locker, err := a.NewLocker(ctx)
	if err != nil {
		return err
	}
	key := "outbox-dispatcher-" + a.ServiceName
	a.Go("outbox-dispatcher", func(ctx context.Context) error {
		return d.RunExclusive(ctx, cfg.PollInterval, locker, key)
	})
	return nil
}

// Consume 为 topics 启动消费组，处理失败的消息转入 <topic>.dlt
func (a *AppCtx) Consume(group string, topics []string, handle mq.EventHandler) {
	cfg := a.Config
	cg := mq.NewConsumerGroup(mq.KafkaReaderFactory(cfg.Infra.Kafka.Brokers, group), topics,
		cfg.Consumer.Concurrency, handle, a.bus().failures, cfg.Consumer.Options(), a.Tracer)
	a.Go("consumer-"+group, func(ctx context.Context) error {
		if err := cg.Start(ctx); err != nil {
			return err
		}
		logger.Ctx(ctx).Info().Str("group", group).Strs("topics", topics).Int("consumers", cg.Len()).
			Msg("✅ Consumer group started.")
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		cg.Stop(stopCtx)
		return nil
	})
}

// PurgeLedger 周期清理超过保留期的去重记录
func (a *AppCtx) PurgeLedger(guard *idempotency.Guard, p idempotency.Purger) {
	cfg := a.Config.Idempotency
	if cfg.PurgeInterval <= 0 || cfg.Retention <= 0 {
		return
	}
	a.Go("idempotency-purge", func(ctx context.Context) error {
		return guard.RunPurge(ctx, p, cfg.PurgeInterval, cfg.Retention)
	})
}

// DeadLetterTopics 返回 topics 对应的死信主题
func DeadLetterTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		out = append(out, event.DeadLetterTopic(t))
	}
	return out
}
