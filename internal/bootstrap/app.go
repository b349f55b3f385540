// Package bootstrap assembles the settlement core from configuration. The
// HTTP server, the notifier and the lambda handlers all start here.
package bootstrap

import (
	"context"
	"time"

	"github.com/example/ec-settlement/internal/clock"
	"github.com/example/ec-settlement/internal/command"
	"github.com/example/ec-settlement/internal/config"
	"github.com/example/ec-settlement/internal/dispatch"
	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/domain/webhook"
	"github.com/example/ec-settlement/internal/events"
	"github.com/example/ec-settlement/internal/gateway"
	"github.com/example/ec-settlement/internal/infrastructure/kafka"
	"github.com/example/ec-settlement/internal/infrastructure/redislock"
	"github.com/example/ec-settlement/internal/infrastructure/secretbox"
	"github.com/example/ec-settlement/internal/inventory"
	"github.com/example/ec-settlement/internal/reconcile"
	"github.com/example/ec-settlement/internal/signature"
	"github.com/example/ec-settlement/internal/sweeper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	backgroundEmitTimeout = 2 * time.Minute
	sweeperLockKey        = "ec-settlement:sweeper:run"
)

// Delivery is the webhook side shared by every process.
type Delivery struct {
	Registry   *webhook.Registry
	Dispatcher *dispatch.Dispatcher
}

func NewDelivery(cfg *config.Config, subs webhook.Repository, clk clock.Clock, signer *signature.Service, logger *zap.Logger) (*Delivery, error) {
	cipher, err := secretbox.NewCipherFromHex(cfg.WebhookSecretKey)
	if err != nil {
		return nil, err
	}
	registry := webhook.NewRegistry(subs, cipher, clk, signer, logger)
	dispatcher := dispatch.NewDispatcher(registry, signer, clk, logger, dispatch.WithTimeout(cfg.WebhookTimeout))
	return &Delivery{Registry: registry, Dispatcher: dispatcher}, nil
}

// App is the fully wired settlement core.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Clock  clock.Clock
	Signer *signature.Service

	Stores   *Stores
	Delivery *Delivery
	Ledger   *order.Ledger
	Stock    inventory.Service

	Reconciler *reconcile.Reconciler
	Gateway    *gateway.Client
	Processor  *gateway.Processor
	Sweeper    *sweeper.Sweeper
	Commands   *command.Handler

	async   *events.AsyncEmitter
	closers []func() error
}

// New wires the core. Gateway confirmations emit synchronously so the
// callback only returns once subscribers were notified; everything else
// emits in the background. With the kafka transport both paths publish to
// the events topic and cmd/notifier does the fan-out.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	clk := clock.System()
	app := &App{
		Config: cfg,
		Logger: logger,
		Clock:  clk,
		Signer: signature.NewService(clk),
	}

	stores, err := OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app.Stores = stores
	app.closers = append(app.closers, stores.Close)

	app.Delivery, err = NewDelivery(cfg, stores.Subscribers, clk, app.Signer, logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	var syncEmitter, asyncEmitter events.Emitter
	switch cfg.EventTransport {
	case config.TransportKafka:
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		app.closers = append(app.closers, producer.Close)
		publisher := kafka.NewEventPublisher(producer, clk)
		syncEmitter, asyncEmitter = publisher, publisher
	default:
		app.async = events.NewAsyncEmitter(app.Delivery.Dispatcher, backgroundEmitTimeout, logger)
		syncEmitter, asyncEmitter = app.Delivery.Dispatcher, app.async
	}

	switch cfg.Inventory {
	case config.InventoryKafka:
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaStockTopic, logger)
		app.closers = append(app.closers, producer.Close)
		app.Stock = kafka.NewStockClient(producer, clk)
	default:
		stock := inventory.NewStock(asyncEmitter, logger)
		stock.SetLowStockThreshold(cfg.LowStockThreshold)
		app.Stock = stock
	}

	app.Ledger = order.NewLedger(stores.Orders, clk, logger)

	gwCfg := gatewayConfig(cfg)
	app.Gateway = gateway.NewClient(gwCfg, app.Signer, logger)
	var hooks []reconcile.Hook
	if cfg.HighValueOrderThreshold.IsPositive() {
		hooks = append(hooks, reconcile.HighValueAlert(cfg.HighValueOrderThreshold, asyncEmitter))
	}
	app.Reconciler = reconcile.NewReconciler(app.Ledger, app.Stock, syncEmitter, app.Gateway, logger, hooks...)
	app.Processor = gateway.NewProcessor(gwCfg, app.Signer, app.Ledger, app.Reconciler, logger)

	var guard sweeper.RunGuard = &sweeper.LocalGuard{}
	if cfg.RedisAddr != "" {
		client := redislock.NewClient(cfg.RedisAddr)
		app.closers = append(app.closers, client.Close)
		guard = redislock.NewGuard(client, sweeperLockKey, cfg.SweeperConfig.LockTTL, logger)
	}
	app.Sweeper = sweeper.New(app.Ledger, app.Stock, asyncEmitter, clk, guard, sweeper.Config{
		DeliverAfter: cfg.SweeperConfig.DeliverAfter,
		UnpaidAfter:  cfg.SweeperConfig.UnpaidAfter,
		Interval:     cfg.SweeperConfig.Interval,
	}, logger)

	app.Commands = command.NewHandler(app.Ledger, app.Stock, app.Reconciler, asyncEmitter, logger)

	logger.Info("Settlement core ready",
		zap.String("storage", cfg.Storage),
		zap.String("event_transport", cfg.EventTransport),
		zap.String("inventory", cfg.Inventory),
		zap.Bool("distributed_sweeper_lock", cfg.RedisAddr != ""))
	return app, nil
}

// Flush blocks until background emissions have finished. Lambda handlers
// call it before returning since the runtime freezes between invocations.
func (a *App) Flush() {
	if a.async != nil {
		a.async.Wait()
	}
}

// Close flushes, then releases connections in reverse order of creation.
func (a *App) Close() error {
	a.Flush()
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	return errs
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	g := cfg.GatewayConfig
	return gateway.Config{
		MerchantID:      g.MerchantID,
		AccountID:       g.AccountID,
		APIKey:          g.APIKey,
		APILogin:        g.APILogin,
		APIURL:          g.APIURL,
		NotifyURL:       g.NotifyURL,
		ResponsePageURL: g.ResponsePageURL,
		Country:         g.Country,
		Test:            g.Test,
		Timeout:         g.Timeout,
		AmountTolerance: g.AmountTolerance,
	}
}
