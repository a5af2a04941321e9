// cmd/inventory-service/main.go
package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/service/inventory/application"
	"fulfillment/internal/service/inventory/infrastructure"
	"fulfillment/internal/service/inventory/interfaces"
	"fulfillment/internal/service/inventory/port"
)

const (
	serviceName = "inventory-service"
	groupID     = "inventory-service-group"
)

func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8082,
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

	guard, err := app.NewGuard(application.ConsumerName)
	if err != nil {
		return err
	}
	inventoryService := application.NewInventoryService(store, guard, app.Tracer)
	interfaces.NewStockHandler(inventoryService).RegisterRoutes(app.Router)

	app.Consume(groupID, application.Topics(), inventoryService.Handle)
	if err := app.Dispatch(ctx, ob); err != nil {
		return err
	}
	app.PurgeLedger(guard, purger)
	return nil
}
