package main

import (
	"context"
	"fmt"
	"os"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/example/ec-settlement/internal/bootstrap"
	"github.com/example/ec-settlement/internal/config"
	"github.com/example/ec-settlement/internal/logging"
	"github.com/example/ec-settlement/internal/sweeper"
	"go.uber.org/zap"
)

var app *bootstrap.App

func init() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("lambda-sweeper", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}

	app, err = bootstrap.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to wire application", zap.Error(err))
	}
}

// handler runs one sweep per scheduled invocation. Per-order failures are
// reported in the result; only a failed guard or lookup fails the invocation.
func handler(ctx context.Context, event lambdaevents.CloudWatchEvent) (sweeper.Report, error) {
	app.Logger.Info("Scheduled sweep", zap.String("event_id", event.ID), zap.Time("scheduled_at", event.Time))

	report, err := app.Sweeper.RunOnce(ctx)
	app.Flush()
	if err != nil && report.Failed == 0 {
		return report, err
	}
	return report, nil
}

func main() {
	lambda.Start(handler)
}
