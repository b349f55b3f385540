package main

import (
	"context"
	"fmt"
	"os"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/example/ec-settlement/internal/bootstrap"
	"github.com/example/ec-settlement/internal/clock"
	"github.com/example/ec-settlement/internal/config"
	"github.com/example/ec-settlement/internal/infrastructure/kinesis"
	"github.com/example/ec-settlement/internal/logging"
	"github.com/example/ec-settlement/internal/notification"
	"github.com/example/ec-settlement/internal/signature"
	"go.uber.org/zap"
)

var (
	notifier *notification.Handler
	logger   *zap.Logger
)

func init() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err = logging.New("lambda-notifier", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}

	stores, err := bootstrap.OpenStores(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open stores", zap.Error(err))
	}
	clk := clock.System()
	delivery, err := bootstrap.NewDelivery(cfg, stores.Subscribers, clk, signature.NewService(clk), logger)
	if err != nil {
		logger.Fatal("Failed to wire webhook delivery", zap.Error(err))
	}
	notifier = notification.NewHandler(delivery.Dispatcher, logger)
	logger.Info("Initialized", zap.String("storage", cfg.Storage))
}

func handler(ctx context.Context, batch lambdaevents.KinesisEvent) (lambdaevents.KinesisEventResponse, error) {
	return kinesis.ProcessBatch(ctx, batch, notifier.HandleEvent, logger), nil
}

func main() {
	lambda.Start(handler)
}
