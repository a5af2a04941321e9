// cmd/payment-service/main.go
package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/service/payment/application"
	"fulfillment/internal/service/payment/infrastructure"
	"fulfillment/internal/service/payment/infrastructure/rule"
	"fulfillment/internal/service/payment/interfaces"
	"fulfillment/internal/service/payment/port"
)

const (
	serviceName = "payment-service"
	groupID     = "payment-service-group"
)

func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8083,
		Setup:       setup,
	})
}

func setup(ctx context.Context, app *bootstrap.AppCtx) error {
	db, err := app.OpenDatabase(infrastructure.AutoMigrate)
	if err != nil {
		return err
	}
	var (
		store  port.Store
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

	// 授权规则在启动时编译，规则写错直接拒绝启动
	gateway, err := rule.NewRuleGateway(app.Config.Payment.ApprovalRule)
	if err != nil {
		return err
	}
	guard, err := app.NewGuard(application.ConsumerName)
	if err != nil {
		return err
	}
	paymentService := application.NewPaymentService(store, gateway, guard, app.Tracer)
	interfaces.NewPaymentHandler(paymentService).RegisterRoutes(app.Router)

	app.Consume(groupID, application.Topics(), paymentService.Handle)
	if err := app.Dispatch(ctx, ob); err != nil {
		return err
	}
	app.PurgeLedger(guard, purger)
	return nil
}
