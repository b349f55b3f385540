package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ec-settlement/internal/bootstrap"
	"github.com/example/ec-settlement/internal/clock"
	"github.com/example/ec-settlement/internal/config"
	"github.com/example/ec-settlement/internal/infrastructure/kafka"
	"github.com/example/ec-settlement/internal/logging"
	"github.com/example/ec-settlement/internal/notification"
	"github.com/example/ec-settlement/internal/signature"
	"go.uber.org/zap"
)

// The notifier consumes the events topic and delivers each event to the
// webhook subscribers registered for it.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New("notifier", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open stores", zap.Error(err))
	}
	defer func() { _ = stores.Close() }()

	clk := clock.System()
	delivery, err := bootstrap.NewDelivery(cfg, stores.Subscribers, clk, signature.NewService(clk), logger)
	if err != nil {
		logger.Fatal("Failed to wire webhook delivery", zap.Error(err))
	}
	handler := notification.NewHandler(delivery.Dispatcher, logger)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, cfg.KafkaConsumerGroup, logger)
	defer func() { _ = consumer.Close() }()

	logger.Info("Notifier started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.KafkaEventsTopic),
		zap.String("group_id", cfg.KafkaConsumerGroup))
	if err := consumer.Consume(ctx, handler.HandleMessage); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Consumer stopped", zap.Error(err))
	}
	logger.Info("Notifier stopped")
}
