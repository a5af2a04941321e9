// cmd/cart-service/main.go
package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/service/cart/application"
	"fulfillment/internal/service/cart/infrastructure"
	"fulfillment/internal/service/cart/interfaces"
	"fulfillment/internal/service/cart/port"
)

const serviceName = "cart-service"

func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8087,
		Setup:       setup,
	})
}

func setup(ctx context.Context, app *bootstrap.AppCtx) error {
	cfg := app.Config.Cart

	db, err := app.OpenDatabase(infrastructure.AutoMigrate)
	if err != nil {
		return err
	}
	var (
		store port.Store
		ob    outbox.Store
	)
	if db != nil {
		store, ob = infrastructure.NewGormStore(db), outbox.NewGormStore(db)
	} else {
		memOutbox := outbox.NewMemoryStore()
		store, ob = infrastructure.NewMemoryStore(memOutbox), memOutbox
		log.Warn().Msg("using in-memory store, state is lost on restart")
	}

	cartService := application.NewCartService(store, app.Tracer)
	interfaces.NewCartHandler(cartService).RegisterRoutes(app.Router)

	// 过期清扫只负责登记 CartExpired，发布交给发件箱
	sweeper := application.NewSweeper(store, cfg.TTL, cfg.BatchSize, app.Tracer)
	app.Go("cart-sweeper", func(ctx context.Context) error {
		return sweeper.Run(ctx, cfg.SweepInterval)
	})
	if err := app.Dispatch(ctx, ob); err != nil {
		return err
	}
	return nil
}
