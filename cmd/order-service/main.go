// cmd/order-service/main.go
package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/application/saga"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/infrastructure"
	"fulfillment/internal/service/order/interfaces"
	"fulfillment/internal/service/order/port"
)

const (
	serviceName = "order-service"
	sagaGroupID = "order-saga-group"
	dltGroupID  = "order-dlt-group"
)

// orderStore 同时提供事务和事务外的查询
type orderStore interface {
	port.Store
	Orders() domain.OrderRepository
}

// main 函数是应用的"组装根" (Composition Root)
func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8081,
		Setup:       setup,
	})
}

func setup(ctx context.Context, app *bootstrap.AppCtx) error {
	cfg := app.Config

	// 1. 持久化: 订单、发件箱和去重账本在同一个存储里
	db, err := app.OpenDatabase(infrastructure.AutoMigrate)
	if err != nil {
		return err
	}
	var (
		store  orderStore
		ob     outbox.Store
		purger idempotency.Purger
	)
	if db != nil {
		store, ob, purger = infrastructure.NewGormStore(db), outbox.NewGormStore(db), idempotency.NewGormLedger(db)
	} else {
		memOutbox, ledger := outbox.NewMemoryStore(), idempotency.NewMemoryLedger()
		store, ob, purger = infrastructure.NewMemoryStore(memOutbox, ledger), memOutbox, ledger
		log.Warn().Msg("using in-memory store, state is lost on restart")
	}

	// 2. saga 反应器
	locker, err := app.NewLocker(ctx)
	if err != nil {
		return err
	}
	guard, err := app.NewGuard(saga.ConsumerName)
	if err != nil {
		return err
	}
	choreography := saga.NewChoreography(store, locker, guard, app.Tracer, cfg.Saga.LockTimeout)
	watchdog := saga.NewWatchdog(choreography, store.Orders(), cfg.Saga.StepTimeout, cfg.Saga.WatchdogBatch)

	// 3. HTTP 入口
	orderService := application.NewOrderApplicationService(store, app.Tracer)
	interfaces.NewOrderHandler(orderService).RegisterRoutes(app.Router)

	// 4. 后台任务
	app.Consume(sagaGroupID, saga.Topics(), choreography.Handle)
	if err := app.Dispatch(ctx, ob); err != nil {
		return err
	}
	app.PurgeLedger(guard, purger)
	app.Go("saga-watchdog", func(ctx context.Context) error {
		return watchdog.Run(ctx, cfg.Saga.WatchdogInterval)
	})
	startDeadLetterMonitors(app, saga.Topics())
	return nil
}

// startDeadLetterMonitors 监听 saga 主题对应的死信主题并告警
func startDeadLetterMonitors(app *bootstrap.AppCtx, topics []string) {
	for _, dlt := range bootstrap.DeadLetterTopics(topics) {
		adapter := interfaces.NewDltConsumerAdapter(mq.NewKafkaReader(app.Config.Infra.Kafka.Brokers, dlt, dltGroupID))
		app.Go("dlt-"+dlt, func(ctx context.Context) error {
			if err := adapter.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			adapter.Stop(context.Background())
			return nil
		})
	}
}
