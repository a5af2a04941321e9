// cmd/shipping-service/main.go
package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/service/shipping/application"
	"fulfillment/internal/service/shipping/domain"
	"fulfillment/internal/service/shipping/infrastructure"
	"fulfillment/internal/service/shipping/infrastructure/carrier"
	"fulfillment/internal/service/shipping/interfaces"
	"fulfillment/internal/service/shipping/port"
)

const (
	serviceName = "shipping-service"
	groupID     = "shipping-service-group"
)

func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8086,
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

	c, err := newCarrier(app)
	if err != nil {
		return err
	}
	guard, err := app.NewGuard(application.ConsumerName)
	if err != nil {
		return err
	}
	shippingService := application.NewShippingService(store, c, guard, app.Tracer)
	interfaces.NewShippingHandler(shippingService).RegisterRoutes(app.Router)

	app.Consume(groupID, application.Topics(), shippingService.Handle)
	if err := app.Dispatch(ctx, ob); err != nil {
		return err
	}
	app.PurgeLedger(guard, purger)
	return nil
}

func newCarrier(app *bootstrap.AppCtx) (domain.Carrier, error) {
	cfg := app.Config.Shipping
	switch cfg.Carrier {
	case "http":
		if cfg.URL == "" {
			return nil, errors.New("shipping.url is required for the http carrier")
		}
		return carrier.NewHTTPCarrier(cfg.Name, cfg.URL, httpclient.NewClient(app.Tracer)), nil
	case "simulated", "":
		return carrier.Simulated{Name: cfg.Name, MaxUnits: cfg.MaxUnits}, nil
	default:
		return nil, errors.Errorf("unknown carrier %q", cfg.Carrier)
	}
}
