package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ec-settlement/internal/api"
	"github.com/example/ec-settlement/internal/auth"
	"github.com/example/ec-settlement/internal/bootstrap"
	"github.com/example/ec-settlement/internal/config"
	"github.com/example/ec-settlement/internal/logging"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err == nil {
		err = cfg.ValidateAPI()
	}
	if err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Fprintf(os.Stderr, "config: %v\n", e)
		}
		os.Exit(1)
	}

	logger, err := logging.New("api", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("Settlement API starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to wire application", zap.Error(err))
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("Error releasing resources", zap.Error(err))
		}
	}()

	handlers := api.NewHandlers(api.Deps{
		Commands:        app.Commands,
		Orders:          app.Ledger,
		Subscribers:     app.Delivery.Registry,
		Pinger:          app.Delivery.Dispatcher,
		Sweeper:         app.Sweeper,
		Confirmations:   app.Processor,
		ResponsePageURL: cfg.GatewayConfig.ResponsePageURL,
		Logger:          logger,
	})
	router := api.NewRouter(api.RouterConfig{
		Handlers:       handlers,
		Tokens:         auth.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiry, app.Clock),
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sweepDone := make(chan struct{})
	if cfg.SweeperConfig.Enabled {
		go func() {
			defer close(sweepDone)
			_ = app.Sweeper.Run(ctx)
		}()
	} else {
		close(sweepDone)
		logger.Info("Sweeper disabled")
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("address", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	}
	<-sweepDone
	logger.Info("Settlement API stopped")
}
