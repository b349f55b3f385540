package bootstrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/example/ec-settlement/internal/config"
	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/domain/webhook"
	"github.com/example/ec-settlement/internal/infrastructure/store"
	"go.uber.org/zap"
)

// Stores holds the repositories selected by STORAGE_BACKEND.
type Stores struct {
	Orders      order.Repository
	Subscribers webhook.Repository
	close       func() error
}

func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn("Using in-memory storage; data is lost on restart")
		return &Stores{
			Orders:      store.NewMemoryOrderStore(),
			Subscribers: store.NewMemorySubscriberStore(),
		}, nil

	case config.StoragePostgres:
		db, err := store.ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(db, logger); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("Connected to PostgreSQL")
		return &Stores{
			Orders:      store.NewPostgresOrderStore(db),
			Subscribers: store.NewPostgresSubscriberStore(db),
			close:       db.Close,
		}, nil

	case config.StorageDynamo:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoConfig.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoConfig.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoConfig.Endpoint)
			}
		})
		logger.Info("Using DynamoDB",
			zap.String("region", cfg.DynamoConfig.Region),
			zap.String("orders_table", cfg.DynamoConfig.OrdersTable),
			zap.String("subscribers_table", cfg.DynamoConfig.SubscribersTable))
		return &Stores{
			Orders:      store.NewDynamoOrderStore(client, cfg.DynamoConfig.OrdersTable),
			Subscribers: store.NewDynamoSubscriberStore(client, cfg.DynamoConfig.SubscribersTable),
		}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
}
